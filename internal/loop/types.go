package loop

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a loop.
type Status string

const (
	// StatusDraft is a pre-open state reachable only at creation.
	StatusDraft Status = "draft"

	// StatusOpen is the default state of a new loop.
	StatusOpen Status = "open"

	// StatusClosed marks a loop as resolved. Closed loops may be reopened or archived.
	StatusClosed Status = "closed"

	// StatusPromoted marks a loop that has been promoted to workstream level.
	StatusPromoted Status = "promoted"
)

// transitions lists the allowed non-identity status changes.
var transitions = map[Status][]Status{
	StatusDraft:  {StatusOpen},
	StatusOpen:   {StatusClosed, StatusPromoted},
	StatusClosed: {StatusOpen},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusClosed, StatusPromoted:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Identity transitions
// are always allowed and are treated as no-ops by the lifecycle manager.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// Kind is the type of a routing target.
type Kind string

const (
	KindLoop    Kind = "loop"
	KindProject Kind = "project"
	KindProgram Kind = "program"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLoop, KindProject, KindProgram:
		return true
	}
	return false
}

// Specificity orders kinds from most specific (highest) to least specific.
// The router uses it to break ties between matches of different kinds.
func (k Kind) Specificity() int {
	switch k {
	case KindLoop:
		return 3
	case KindProject:
		return 2
	case KindProgram:
		return 1
	}
	return 0
}

// IsWorkstream reports whether k names a workstream kind.
func (k Kind) IsWorkstream() bool {
	return k == KindProject || k == KindProgram
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, s)
	}
	return k, nil
}

// Tier is the storage tier of a loop.
type Tier string

const (
	TierActive  Tier = "active"
	TierArchive Tier = "archive"
)

// Polarity is the direction of a feedback event.
type Polarity string

const (
	PolarityUseful        Polarity = "useful"
	PolarityFalsePositive Polarity = "false_positive"
)

// Valid reports whether p is a known polarity.
func (p Polarity) Valid() bool {
	return p == PolarityUseful || p == PolarityFalsePositive
}

// ParsePolarity parses a polarity. "false-positive" is accepted as an alias.
func ParsePolarity(s string) (Polarity, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	p := Polarity(norm)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown polarity %q", ErrInvalidInput, s)
	}
	return p, nil
}

// Loop is a tracked unit of insight or action.
type Loop struct {
	ID      string   `json:"id"`
	Summary string   `json:"summary"`
	Status  Status   `json:"status"`
	Tags    []string `json:"tags,omitempty"`

	// Verified is independent of Status.
	Verified bool `json:"verified"`

	// Source is an opaque reference to the originating artifact.
	Source string `json:"source,omitempty"`

	// Weight is the output of the last weight engine run. Nothing else writes it.
	Weight float64 `json:"weight"`

	// ScoreBase is the signed useful minus false-positive count from the last
	// recompute. It keeps the ordering of noisy loops that Weight clamps to zero.
	ScoreBase int `json:"score_base"`

	WeightComputedAt time.Time `json:"weight_computed_at,omitempty"`
	LinkedWorkstream string    `json:"linked_workstream,omitempty"`
	Tier             Tier      `json:"tier"`
	Created          time.Time `json:"created"`
	Updated          time.Time `json:"updated"`

	// Version increments on every write and backs optimistic concurrency.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of l.
func (l *Loop) Clone() *Loop {
	if l == nil {
		return nil
	}
	c := *l
	if l.Tags != nil {
		c.Tags = append([]string(nil), l.Tags...)
	}
	return &c
}

// NewLoop is the input to loop creation.
type NewLoop struct {
	// ID is optional. A UUID is generated when empty.
	ID               string   `json:"id,omitempty"`
	Summary          string   `json:"summary"`
	Tags             []string `json:"tags,omitempty"`
	Source           string   `json:"source,omitempty"`
	Draft            bool     `json:"draft,omitempty"`
	LinkedWorkstream string   `json:"linked_workstream,omitempty"`
}

// Validate checks the creation input and normalises its tags in place.
func (n *NewLoop) Validate() error {
	if n.ID != "" {
		if err := ValidateID(n.ID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(n.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidInput)
	}
	tags, err := NormalizeTags(n.Tags)
	if err != nil {
		return err
	}
	n.Tags = tags
	if n.LinkedWorkstream != "" {
		if err := ValidateID(n.LinkedWorkstream); err != nil {
			return err
		}
	}
	return nil
}

// Goal is a flat list of goal statements. It decodes from either a JSON
// string or a list of strings.
type Goal []string

// UnmarshalJSON implements json.Unmarshaler.
func (g *Goal) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*g = NormalizeGoal(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("%w: goal must be a string or list of strings", ErrInvalidInput)
	}
	*g = NormalizeGoal(list...)
	return nil
}

// NormalizeGoal trims entries and drops blanks.
func NormalizeGoal(items ...string) Goal {
	out := make(Goal, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Workstream is a program or project that loops route into.
type Workstream struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind"`
	Title       string   `json:"title,omitempty"`
	Goal        Goal     `json:"goal"`
	LinkedLoops []string `json:"linked_loops"`

	Weight           float64   `json:"weight"`
	ScoreBase        int       `json:"score_base"`
	WeightComputedAt time.Time `json:"weight_computed_at,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Version int64     `json:"version"`
}

// Clone returns a deep copy of w.
func (w *Workstream) Clone() *Workstream {
	if w == nil {
		return nil
	}
	c := *w
	c.Goal = append(Goal(nil), w.Goal...)
	c.LinkedLoops = append([]string(nil), w.LinkedLoops...)
	return &c
}

// HasLoop reports whether loopID is already linked.
func (w *Workstream) HasLoop(loopID string) bool {
	for _, id := range w.LinkedLoops {
		if id == loopID {
			return true
		}
	}
	return false
}

// Validate checks a workstream before it is stored.
func (w *Workstream) Validate() error {
	if err := ValidateID(w.ID); err != nil {
		return err
	}
	if !w.Kind.IsWorkstream() {
		return fmt.Errorf("%w: workstream kind must be program or project, got %q", ErrInvalidInput, w.Kind)
	}
	w.Goal = NormalizeGoal(w.Goal...)
	return nil
}

// FeedbackEvent is an immutable record of feedback on a loop or workstream.
type FeedbackEvent struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	Polarity  Polarity  `json:"polarity"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`

	// Seq is the append position within the ledger.
	Seq int64 `json:"seq"`
}

// Counts aggregates feedback for one target.
type Counts struct {
	Useful        int `json:"useful"`
	FalsePositive int `json:"false_positive"`
}

// Base returns useful minus false-positive.
func (c Counts) Base() int {
	return c.Useful - c.FalsePositive
}

// Target is a scoreable entity: either a loop or a workstream.
type Target struct {
	ID      string
	Kind    Kind
	Created time.Time
}
