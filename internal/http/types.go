package http

import (
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/router"
)

// ClassifyRequest is the body of POST /api/v1/classify.
type ClassifyRequest struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
	TopK int    `json:"top_k,omitempty"`
}

// ClassifyResponse lists accepted matches; an empty list means no match.
type ClassifyResponse struct {
	Matches []router.Match `json:"matches"`
}

// LoopsResponse is the body of GET /api/v1/loops.
type LoopsResponse struct {
	Loops []*loop.Loop `json:"loops"`
}

// WorkstreamsResponse is the body of GET /api/v1/workstreams.
type WorkstreamsResponse struct {
	Workstreams []*loop.Workstream `json:"workstreams"`
}

// FeedbackRequest is the body of the feedback endpoints. TargetID is only
// read by POST /api/v1/feedback.
type FeedbackRequest struct {
	TargetID string `json:"target_id,omitempty"`
	Polarity string `json:"polarity"`
	Source   string `json:"source,omitempty"`
}

// FeedbackResponse returns the recorded event and, when the recompute that
// follows succeeded, the new weight.
type FeedbackResponse struct {
	Event  loop.FeedbackEvent `json:"event"`
	Weight *float64           `json:"weight,omitempty"`
}

// FeedbackListResponse is the body of GET /api/v1/loops/:id/feedback.
type FeedbackListResponse struct {
	Counts loop.Counts          `json:"counts"`
	Events []loop.FeedbackEvent `json:"events"`
}

// StatusRequest is the body of PUT /api/v1/loops/:id/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// VerifiedRequest is the body of PUT /api/v1/loops/:id/verified.
type VerifiedRequest struct {
	Verified *bool `json:"verified"`
}

// ArchiveRequest is the optional body of POST /api/v1/loops/:id/archive.
// A zero cutoff means now.
type ArchiveRequest struct {
	Cutoff time.Time `json:"cutoff,omitempty"`
}

// LinkRequest is the body of POST /api/v1/loops/:id/link.
type LinkRequest struct {
	WorkstreamID string `json:"workstream_id"`
}

// RecomputeRequest is the body of POST /api/v1/weights/recompute. ID
// recomputes one entity; otherwise every entity of Kind, or all of them.
type RecomputeRequest struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
}

// RecomputeOutcome is one entry of RecomputeResponse.
type RecomputeOutcome struct {
	ID     string    `json:"id"`
	Kind   loop.Kind `json:"kind,omitempty"`
	Weight float64   `json:"weight"`
	Base   int       `json:"base"`
	Error  string    `json:"error,omitempty"`
}

// RecomputeResponse is the body of POST /api/v1/weights/recompute.
type RecomputeResponse struct {
	Results []RecomputeOutcome `json:"results"`
	Failed  int                `json:"failed"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
