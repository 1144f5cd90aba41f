package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/cxd309/abm-engine/internal/layers"
	"github.com/cxd309/abm-engine/internal/poller"
)

// PollOptions tunes a single StartPoll call.
type PollOptions struct {
	// MaxAttempts bounds the poll when positive; see poller.Poller.
	MaxAttempts int
}

// StartPoll requests a scenario calculation and polls it in the background
// until it completes. Every accepted result is installed as a layer named after
// the scenario kind. A poll already running for the same kind is cancelled
// first. The returned channel receives the final outcome and is then closed.
//
// The poll outlives ctx's cancellation but keeps its values; use Reset, Load,
// Close or a new poll of the same kind to stop it.
func (s *Session) StartPoll(ctx context.Context, req poller.Request, opts PollOptions) (<-chan poller.Outcome, error) {
	if s.source == nil {
		return nil, ErrNoResultSource
	}
	if _, err := poller.ParseKind(string(req.Kind)); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &pollHandle{cancel: cancel}

	s.mu.Lock()
	h.epoch = s.epoch
	if prev, ok := s.polls[req.Kind]; ok {
		prev.cancel()
	}
	s.polls[req.Kind] = h
	s.wg.Add(1)
	s.mu.Unlock()

	p := &poller.Poller{
		Source:      s.source,
		Interval:    s.interval,
		MaxAttempts: opts.MaxAttempts,
		Logger:      s.base,
	}
	done := make(chan poller.Outcome, 1)
	activePolls.Inc()
	go func() {
		defer s.wg.Done()
		defer activePolls.Dec()
		defer close(done)

		out, err := p.Run(pctx, req, func(ctx context.Context, u poller.Update) error {
			return s.installResult(ctx, h, u)
		})
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			s.logger.Info("poll cancelled", "kind", req.Kind, "request_id", out.RequestID)
		default:
			s.logger.Error("poll failed", "kind", req.Kind, "request_id", out.RequestID, "error", err)
		}

		s.mu.Lock()
		s.outcomes[req.Kind] = out
		if cur, ok := s.polls[req.Kind]; ok && cur == h {
			delete(s.polls, req.Kind)
		}
		s.mu.Unlock()
		cancel()
		done <- out
	}()
	return done, nil
}

// PollOutcome returns the outcome of the last finished poll of kind.
func (s *Session) PollOutcome(kind poller.Kind) (poller.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[kind]
	return out, ok
}

// Polling reports whether a poll of kind is running.
func (s *Session) Polling(kind poller.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.polls[kind]
	return ok
}

// installResult mounts an accepted scenario result under the current
// generation, replacing the previous result of the same kind. Results of a
// poll that was cancelled, replaced or started against an earlier scenario are
// dropped with context.Canceled.
func (s *Session) installResult(ctx context.Context, h *pollHandle, u poller.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.polls[u.Kind]; !ok || cur != h || h.epoch != s.epoch {
		s.logger.Debug("stale scenario result dropped", "kind", u.Kind, "request_id", u.RequestID)
		return context.Canceled
	}
	gen := s.coord.Generation()
	l := layers.ScenarioLayer(string(u.Kind), gen, u.Features)
	if err := s.coord.Install(gen, []layers.Layer{l}); err != nil {
		if errors.Is(err, layers.ErrStaleGeneration) {
			return nil
		}
		return fmt.Errorf("installing %s result: %w", u.Kind, err)
	}
	return nil
}

func (s *Session) cancelPollsLocked() {
	for kind, h := range s.polls {
		h.cancel()
		delete(s.polls, kind)
	}
}
