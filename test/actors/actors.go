// Package actors drives the dispute engine under concurrency. Each actor
// loops against the real services until told to stop; domain rejections
// (duplicate votes, closed windows, lapsed appeals) are expected under
// contention and swallowed, the SQL oracles decide whether state stayed
// consistent.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/dispute"
	"disputeflow/escalation"
	"disputeflow/evidence"
	"disputeflow/oracle"
	"disputeflow/outbox"
	"disputeflow/resolution"
	"disputeflow/voting"
)

var categories = []dispute.Category{
	dispute.CategoryMilestoneContest,
	dispute.CategoryOracleConflict,
	dispute.CategoryFraudClaim,
	dispute.CategoryFundsMisuse,
}

var kinds = []evidence.Kind{
	evidence.KindDocument,
	evidence.KindScreenshot,
	evidence.KindAPIResponse,
	evidence.KindLink,
	evidence.KindText,
}

// Opener keeps opening disputes for the campaign with a randomized oracle
// signal, so some auto-resolve, some go to community voting and some land on
// the creator's desk.
func Opener(ctx context.Context, ctrl *escalation.Controller, campaignID, raisedBy string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		responses := make([]oracle.Response, rand.Intn(6))
		for i := range responses {
			responses[i] = oracle.Response{
				OracleID:  fmt.Sprintf("oracle-%d", i),
				Success:   rand.Intn(2) == 0,
				Timestamp: time.Now(),
			}
		}
		milestone := fmt.Sprintf("m-%d", rand.Intn(4))
		_, err := ctrl.Open(ctx, escalation.OpenParams{
			CampaignID:      campaignID,
			MilestoneID:     &milestone,
			Category:        categories[rand.Intn(len(categories))],
			Title:           fmt.Sprintf("stress dispute %d", n),
			Description:     "opened by the stress harness",
			Priority:        dispute.PriorityNormal,
			RaisedBy:        raisedBy,
			OracleResponses: responses,
			Evidence: []escalation.InitialEvidence{
				{Kind: evidence.KindText, Content: fmt.Sprintf("initial claim %d", n)},
			},
		})
		if err != nil && !transient(err) {
			return fmt.Errorf("opener: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// Voter picks a random dispute in voting and casts a ballot. Resubmissions
// and just-closed windows are expected races.
func Voter(ctx context.Context, pool *pgxpool.Pool, ctrl *escalation.Controller, voter string, stop <-chan struct{}) error {
	choices := []voting.Choice{voting.ChoiceRelease, voting.ChoiceRefund, voting.ChoicePartial, voting.ChoiceAbstain}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := randomDispute(ctx, pool, `SELECT id FROM disputes WHERE status='voting' ORDER BY random() LIMIT 1`)
		if ok {
			choice := choices[rand.Intn(len(choices))]
			var partial *float64
			if choice == voting.ChoicePartial {
				p := float64(rand.Intn(101))
				partial = &p
			}
			_, err := ctrl.CastVote(ctx, voting.CastParams{
				DisputeID:      id,
				Voter:          voter,
				Choice:         choice,
				PartialPercent: partial,
			})
			if err != nil && !expectedVoteError(err) && !transient(err) {
				return fmt.Errorf("voter %s: %w", voter, err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// Submitter attaches evidence to random disputes, closed ones included.
func Submitter(ctx context.Context, pool *pgxpool.Pool, ev *evidence.Service, submitter string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := randomDispute(ctx, pool, `SELECT id FROM disputes ORDER BY random() LIMIT 1`)
		if ok {
			_, err := ev.Submit(ctx, evidence.SubmitParams{
				DisputeID:   id,
				SubmittedBy: submitter,
				Kind:        kinds[rand.Intn(len(kinds))],
				Content:     fmt.Sprintf("exhibit %d", rand.Int63()),
			})
			if err != nil && !errors.Is(err, evidence.ErrDisputeClosed) && !errors.Is(err, dispute.ErrNotFound) && !transient(err) {
				return fmt.Errorf("submitter: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Appealer contests resolved disputes. Most attempts lose the race to the
// appeal window or hit a council decision; both are fine.
func Appealer(ctx context.Context, pool *pgxpool.Pool, ctrl *escalation.Controller, actor string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id, ok := randomDispute(ctx, pool, `SELECT id FROM disputes WHERE status='resolved' ORDER BY random() LIMIT 1`)
		if ok {
			err := ctrl.Appeal(ctx, id, actor)
			if err != nil &&
				!errors.Is(err, resolution.ErrNotAppealable) &&
				!errors.Is(err, resolution.ErrNoDecision) &&
				!errors.Is(err, dispute.ErrInvalidTransition) &&
				!errors.Is(err, dispute.ErrClosed) &&
				!transient(err) {
				return fmt.Errorf("appealer: %w", err)
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(250)) * time.Millisecond)
	}
}

// Arbiter issues manual rulings on disputes sitting at the creator or council
// tier, racing the sweeper and the appealer.
func Arbiter(ctx context.Context, pool *pgxpool.Pool, ctrl *escalation.Controller, actor string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		var tier dispute.Tier
		err := pool.QueryRow(ctx, `SELECT id, current_tier FROM disputes
                                   WHERE status IN ('reviewing','escalated','appealed')
                                     AND current_tier IN ('creator','council')
                                   ORDER BY random() LIMIT 1`).Scan(&id, &tier)
		if err == nil {
			outcome, release := randomRuling()
			_, err = ctrl.Ruling(ctx, id, tier, outcome, release, "stress ruling", actor)
			if err != nil &&
				!errors.Is(err, dispute.ErrInvalidTransition) &&
				!errors.Is(err, dispute.ErrClosed) &&
				!errors.Is(err, dispute.ErrNotFound) &&
				!transient(err) {
				return fmt.Errorf("arbiter: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && !transient(err) {
			return fmt.Errorf("arbiter pick: %w", err)
		}
		time.Sleep(time.Duration(120+rand.Intn(200)) * time.Millisecond)
	}
}

// SweepRunner hammers the sweeper far more often than its production ticker
// would, to provoke overlap with voters and arbiters.
func SweepRunner(ctx context.Context, sweeper *escalation.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := sweeper.RunOnce(ctx); err != nil &&
			!errors.Is(err, dispute.ErrInvalidTransition) &&
			!errors.Is(err, dispute.ErrClosed) &&
			!transient(err) {
			return fmt.Errorf("sweep: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Drainer runs the outbox dispatcher against a flaky sink so retry and
// dead-lettering paths get exercised.
func Drainer(ctx context.Context, d *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := d.DrainOnce(ctx); err != nil && !transient(err) {
			return fmt.Errorf("drain: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// FlakySink fails every Nth delivery to force outbox retries.
type FlakySink struct {
	FailEveryN int64
	n          atomic.Int64
}

func (s *FlakySink) Deliver(_ context.Context, topic string, _ []byte) error {
	if s.FailEveryN > 0 && s.n.Add(1)%s.FailEveryN == 0 {
		return fmt.Errorf("flaky sink: dropped %s", topic)
	}
	return nil
}

func randomDispute(ctx context.Context, pool *pgxpool.Pool, sql string) (string, bool) {
	var id string
	if err := pool.QueryRow(ctx, sql).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

func randomRuling() (resolution.Outcome, int) {
	switch rand.Intn(3) {
	case 0:
		return resolution.OutcomeRelease, 100
	case 1:
		return resolution.OutcomeRefund, 0
	default:
		return resolution.OutcomePartial, 10 + rand.Intn(81)
	}
}

func expectedVoteError(err error) bool {
	return errors.Is(err, voting.ErrDuplicateVote) ||
		errors.Is(err, voting.ErrVotingClosed) ||
		errors.Is(err, voting.ErrInvalidVoteWeight) ||
		errors.Is(err, dispute.ErrInvalidTransition) ||
		errors.Is(err, dispute.ErrNotFound)
}

// transient reports whether the error is an infrastructure hiccup rather than
// a domain violation. The chaos actor terminates backends mid-flight, so
// connection failures are part of the run.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"conn closed",
		"connection reset",
		"unexpected EOF",
		"terminating connection",
		"broken pipe",
		"failed to connect",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
