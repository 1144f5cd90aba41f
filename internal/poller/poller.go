package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInterval is the wait between attempts when Poller.Interval is zero.
const DefaultInterval = time.Second

var tracer = otel.Tracer("github.com/cxd309/abm-engine/internal/poller")

var (
	pollAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abm_poll_attempts_total",
		Help: "Result source round trips issued by pollers",
	}, []string{"kind"})

	pollEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abm_poll_envelopes_total",
		Help: "Result envelopes received, by verdict",
	}, []string{"kind", "verdict"})

	pollOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abm_poll_outcomes_total",
		Help: "Finished poll runs, by final state",
	}, []string{"kind", "state"})
)

// Poller repeatedly requests a scenario result until it is complete.
//
// An envelope is accepted when it is complete or carries strictly more
// features than the last accepted one; the first envelope is always accepted.
// Anything else is discarded. Errors from the source end the run.
type Poller struct {
	Source ResultSource
	// Interval between attempts. Zero means DefaultInterval.
	Interval time.Duration
	// MaxAttempts bounds the loop when positive. Zero polls until complete or
	// cancelled.
	MaxAttempts int
	Logger      *slog.Logger
}

// Run polls for req and hands accepted updates to accept. It returns when the
// result is complete, the context is cancelled, an error occurs, or
// MaxAttempts is used up. In the last case the outcome keeps its
// PartialReceived (or Requested) state and the error is nil.
func (p *Poller) Run(ctx context.Context, req Request, accept AcceptFunc) (Outcome, error) {
	out := Outcome{RequestID: uuid.NewString(), Kind: req.Kind, State: StateRequested}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "poller", "request_id", out.RequestID, "kind", req.Kind)

	ctx, span := tracer.Start(ctx, "poller.Run", trace.WithAttributes(
		attribute.String("abm.request_id", out.RequestID),
		attribute.String("abm.scenario_kind", string(req.Kind)),
	))
	defer span.End()

	err := p.loop(ctx, req, accept, &out, logger)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.State = StateCancelled
	default:
		out.State = StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("abm.poll_state", string(out.State)),
		attribute.Int("abm.poll_attempts", out.Attempts),
	)
	pollOutcomes.WithLabelValues(string(req.Kind), string(out.State)).Inc()
	logger.Info("poll finished", "state", out.State, "attempts", out.Attempts,
		"accepted", out.Accepted, "discarded", out.Discarded, "features", out.Features)
	return out, err
}

func (p *Poller) loop(ctx context.Context, req Request, accept AcceptFunc, out *Outcome, logger *slog.Logger) error {
	if p.Source == nil {
		return errors.New("poller has no result source")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	last := -1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Attempts++
		pollAttempts.WithLabelValues(string(req.Kind)).Inc()

		taskID, err := p.Source.FetchResult(ctx, req.Kind, req.Payload)
		if err != nil {
			return fmt.Errorf("requesting %s calculation: %w", req.Kind, err)
		}
		env, err := p.Source.FetchStatus(ctx, req.Kind, taskID)
		if err != nil {
			return fmt.Errorf("fetching %s result %s: %w", req.Kind, taskID, err)
		}
		fc, err := env.FeatureCollection()
		if err != nil {
			return fmt.Errorf("%s result %s: %w", req.Kind, taskID, err)
		}

		n := len(fc.Features)
		if env.Complete || n > last {
			pollEnvelopes.WithLabelValues(string(req.Kind), "accepted").Inc()
			last = n
			out.Accepted++
			out.Features = n
			if accept != nil {
				u := Update{RequestID: out.RequestID, Kind: req.Kind, Attempt: out.Attempts, Envelope: env, Features: fc}
				if err := accept(ctx, u); err != nil {
					return fmt.Errorf("accepting %s result: %w", req.Kind, err)
				}
			}
			if env.Complete {
				out.State = StateComplete
				return nil
			}
			out.State = StatePartialReceived
			logger.Debug("partial result accepted", "task_id", taskID, "features", n,
				"tasks_completed", env.TasksCompleted)
		} else {
			pollEnvelopes.WithLabelValues(string(req.Kind), "discarded").Inc()
			out.Discarded++
			logger.Debug("result discarded", "task_id", taskID, "features", n, "last", last)
		}

		if p.MaxAttempts > 0 && out.Attempts >= p.MaxAttempts {
			logger.Warn("poll attempts exhausted before completion", "max_attempts", p.MaxAttempts)
			return nil
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
