package escalation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"disputeflow/dispute"
	"disputeflow/resolution"
)

// Scanner finds disputes the sweep must act on.
type Scanner interface {
	ExpiredVoting(ctx context.Context, now time.Time) ([]string, error)
	Stalled(ctx context.Context, cutoff time.Time) ([]StalledDispute, error)
	AppealLapsed(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper drives time-based progress: expired voting windows, stalled tiers
// and lapsed appeal windows. Exactly one run is active at a time; a tick that
// lands during a run is skipped, not queued.
type Sweeper struct {
	scanner  Scanner
	ctrl     *Controller
	disputes DisputeService
	rules    Rules
	busy     atomic.Bool
	now      func() time.Time
	logf     func(format string, args ...any)
}

func NewSweeper(scanner Scanner, ctrl *Controller, disputes DisputeService, rules Rules) *Sweeper {
	return &Sweeper{
		scanner:  scanner,
		ctrl:     ctrl,
		disputes: disputes,
		rules:    rules,
		now:      time.Now,
		logf:     ctrl.logf,
	}
}

// WithClock overrides the time source, for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.rules.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logf("sweep: %v", err)
			}
		}
	}
}

// RunOnce performs a single sweep pass. Per-dispute failures are logged and
// do not stop the pass; only scan failures abort it.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer s.busy.Store(false)

	now := s.now()

	expired, err := s.scanner.ExpiredVoting(ctx, now)
	if err != nil {
		return err
	}
	stalled, err := s.scanner.Stalled(ctx, now.Add(-s.rules.EscalationTimeout))
	if err != nil {
		return err
	}
	lapsed, err := s.scanner.AppealLapsed(ctx, now)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, id := range expired {
		id := id
		g.Go(func() error {
			if err := s.closeExpiredVote(gctx, id); err != nil {
				s.logf("sweep: expired vote %s: %v", id, err)
			}
			return nil
		})
	}
	for _, d := range stalled {
		d := d
		g.Go(func() error {
			if d.Status == dispute.StatusPending {
				// Stranded between create and review; resume the intake
				// path and let the next pass escalate if it stalls again.
				err := s.disputes.Transition(gctx, dispute.TransitionParams{
					DisputeID: d.ID,
					Next:      dispute.StatusReviewing,
					Actor:     "system",
					Reason:    "timeout",
				})
				if err != nil && !errors.Is(err, dispute.ErrInvalidTransition) {
					s.logf("sweep: pending dispute %s: %v", d.ID, err)
				}
				return nil
			}
			if d.Tier == dispute.TierCouncil {
				s.logf("sweep: dispute %s awaits a council ruling past the escalation timeout", d.ID)
				return nil
			}
			if err := s.ctrl.Advance(gctx, d.ID, "timeout"); err != nil {
				s.logf("sweep: stalled dispute %s: %v", d.ID, err)
			}
			return nil
		})
	}
	for _, id := range lapsed {
		id := id
		g.Go(func() error {
			err := s.disputes.Transition(gctx, dispute.TransitionParams{
				DisputeID: id,
				Next:      dispute.StatusClosed,
				Actor:     "system",
				Reason:    "appeal_window_elapsed",
			})
			if err != nil && !errors.Is(err, dispute.ErrInvalidTransition) {
				s.logf("sweep: close dispute %s: %v", id, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// closeExpiredVote freezes the tally of a lapsed window: quorum met resolves
// from the tally, quorum or consensus missed escalates and discards it.
func (s *Sweeper) closeExpiredVote(ctx context.Context, disputeID string) error {
	err := s.ctrl.closeVote(ctx, disputeID)
	if errors.Is(err, resolution.ErrInconclusiveTally) {
		// Raced with an escalation or a concurrent close; nothing to do.
		return nil
	}
	return err
}
