package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/lifecycle"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/router"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// bind decodes the body and reports failures as invalid input.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return fmt.Errorf("%w: %v", loop.ErrInvalidInput, he.Message)
		}
		return fmt.Errorf("%w: %v", loop.ErrInvalidInput, err)
	}
	return nil
}

func parseKind(s string) (*loop.Kind, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	k, err := loop.ParseKind(s)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleClassify(c echo.Context) error {
	var req ClassifyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		return err
	}
	var opts []router.RouteOption
	if req.TopK > 0 {
		opts = append(opts, router.WithTopK(req.TopK))
	}
	matches, err := s.deps.Router.Route(c.Request().Context(), req.Text, kind, opts...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ClassifyResponse{Matches: matches})
}

func (s *Server) handleCreateLoop(c echo.Context) error {
	var req loop.NewLoop
	if err := bind(c, &req); err != nil {
		return err
	}
	l, err := s.deps.Lifecycle.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, l)
}

func (s *Server) handleListLoops(c echo.Context) error {
	var filter store.LoopFilter
	if v := c.QueryParam("status"); v != "" {
		st, err := loop.ParseStatus(v)
		if err != nil {
			return err
		}
		filter.Status = st
	}
	if v := c.QueryParam("tier"); v != "" {
		filter.Tier = loop.Tier(strings.ToLower(v))
	}
	if v := c.QueryParam("verified"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: verified must be a boolean", loop.ErrInvalidInput)
		}
		filter.Verified = &b
	}
	loops, err := s.deps.Lifecycle.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if loops == nil {
		loops = []*loop.Loop{}
	}
	return c.JSON(http.StatusOK, LoopsResponse{Loops: loops})
}

func (s *Server) handleGetLoop(c echo.Context) error {
	l, err := s.deps.Lifecycle.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handleMarkdown(c echo.Context) error {
	l, err := s.deps.Lifecycle.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	doc, err := loop.RenderMarkdown(l)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", doc)
}

func (s *Server) handleLoopFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.recordFeedback(c, c.Param("id"), req)
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req FeedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.recordFeedback(c, req.TargetID, req)
}

// recordFeedback appends the event and recomputes the target's weight. The
// event is durable once appended, so a failed recompute is logged and left
// for the next sweep.
func (s *Server) recordFeedback(c echo.Context, targetID string, req FeedbackRequest) error {
	pol, err := loop.ParsePolarity(req.Polarity)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ev, err := s.deps.Ledger.Record(ctx, targetID, pol, req.Source)
	if err != nil {
		return err
	}

	resp := FeedbackResponse{Event: ev}
	res, err := s.deps.Weights.Recompute(ctx, targetID)
	if err != nil {
		s.logger.Warn("weight recompute after feedback failed",
			zap.String("target", targetID), zap.Error(err))
	} else {
		resp.Weight = &res.Weight
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleListFeedback(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	counts, err := s.deps.Ledger.Aggregate(ctx, id)
	if err != nil {
		return err
	}
	evs, err := s.deps.Ledger.List(ctx, id)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []loop.FeedbackEvent{}
	}
	return c.JSON(http.StatusOK, FeedbackListResponse{Counts: counts, Events: evs})
}

func (s *Server) handleSetStatus(c echo.Context) error {
	var req StatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	st, err := loop.ParseStatus(req.Status)
	if err != nil {
		return err
	}
	l, err := s.deps.Lifecycle.SetStatus(c.Request().Context(), c.Param("id"), st)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handleSetVerified(c echo.Context) error {
	var req VerifiedRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Verified == nil {
		return fmt.Errorf("%w: verified is required", loop.ErrInvalidInput)
	}
	l, err := s.deps.Lifecycle.SetVerified(c.Request().Context(), c.Param("id"), *req.Verified)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handlePromote(c echo.Context) error {
	res, err := s.deps.Lifecycle.Promote(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleArchive(c echo.Context) error {
	var req ArchiveRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	cutoff := req.Cutoff
	if cutoff.IsZero() {
		cutoff = time.Now().UTC()
	}
	l, err := s.deps.Lifecycle.Archive(c.Request().Context(), c.Param("id"), cutoff)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handleLink(c echo.Context) error {
	var req LinkRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	l, err := s.deps.Lifecycle.Link(c.Request().Context(), c.Param("id"), req.WorkstreamID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (s *Server) handleRecompute(c echo.Context) error {
	var req RecomputeRequest
	if c.Request().ContentLength != 0 {
		if err := bind(c, &req); err != nil {
			return err
		}
	}
	ctx := c.Request().Context()

	if req.ID != "" {
		res, err := s.deps.Weights.Recompute(ctx, req.ID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, RecomputeResponse{Results: []RecomputeOutcome{{
			ID: res.ID, Kind: res.Kind, Weight: res.Weight, Base: res.Base,
		}}})
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		return err
	}
	outcomes, err := s.deps.Weights.RecomputeAll(ctx, kind)
	if err != nil {
		return err
	}
	resp := RecomputeResponse{Results: make([]RecomputeOutcome, 0, len(outcomes))}
	for _, o := range outcomes {
		out := RecomputeOutcome{ID: o.ID, Kind: o.Kind, Weight: o.Weight, Base: o.Base}
		if o.Err != nil {
			out.Error = o.Err.Error()
			resp.Failed++
		}
		resp.Results = append(resp.Results, out)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateWorkstream(c echo.Context) error {
	var req lifecycle.NewWorkstream
	if err := bind(c, &req); err != nil {
		return err
	}
	ws, err := s.deps.Lifecycle.CreateWorkstream(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleListWorkstreams(c echo.Context) error {
	kind, err := parseKind(c.QueryParam("kind"))
	if err != nil {
		return err
	}
	ws, err := s.deps.Lifecycle.ListWorkstreams(c.Request().Context(), kind)
	if err != nil {
		return err
	}
	if ws == nil {
		ws = []*loop.Workstream{}
	}
	return c.JSON(http.StatusOK, WorkstreamsResponse{Workstreams: ws})
}

func (s *Server) handleSweep(c echo.Context) error {
	rep, err := s.deps.Sweep.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}
