package resolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"disputeflow/dispute"
)

func TestRecord_SupersedesAndResolves(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeDecisions{current: &Decision{ID: "dec-old", DisputeID: "d1"}}
	disputes := &fakeDisputes{current: dispute.Dispute{ID: "d1", Status: dispute.StatusVoting}}
	tl := &fakeTimeline{}
	out := &fakeOutbox{}
	svc := NewService(pool, repo, disputes, tl, out, 48*time.Hour)

	dec, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomeRelease, ReleasePercent: 100},
		DecidedBy: dispute.TierCommunity,
		Actor:     "system",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !repo.superseded {
		t.Fatal("expected prior decision to be superseded")
	}
	if len(tl.payloads) != 1 || tl.payloads[0]["superseded_decision_id"] != "dec-old" {
		t.Fatalf("expected event to name the superseded decision, got %v", tl.payloads)
	}
	if disputes.lastStatus != dispute.StatusResolved {
		t.Fatalf("expected resolved status, got %s", disputes.lastStatus)
	}
	if !disputes.windowCleared {
		t.Fatal("expected voting window cleared")
	}
	if !dec.Appealable || dec.AppealDeadline == nil {
		t.Fatal("community decision must carry an appeal window")
	}
	if len(out.topics) != 1 || out.topics[0] != OutboxTopicDisputeDecided {
		t.Fatalf("expected dispute.decided outbox message, got %v", out.topics)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestRecord_FirstDecisionSkipsSupersede(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeDecisions{}
	disputes := &fakeDisputes{current: dispute.Dispute{ID: "d1", Status: dispute.StatusVoting}}
	tl := &fakeTimeline{}
	svc := NewService(pool, repo, disputes, tl, &fakeOutbox{}, 48*time.Hour)

	_, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomeRelease, ReleasePercent: 100},
		DecidedBy: dispute.TierCommunity,
		Actor:     "system",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.superseded {
		t.Fatal("first decision must not supersede anything")
	}
	if len(tl.payloads) != 1 {
		t.Fatalf("expected one event, got %d", len(tl.payloads))
	}
	if _, ok := tl.payloads[0]["superseded_decision_id"]; ok {
		t.Fatal("first decision event must not carry a superseded id")
	}
}

func TestRecord_CouncilDecisionIsFinal(t *testing.T) {
	pool := &fakePool{}
	disputes := &fakeDisputes{current: dispute.Dispute{ID: "d1", Status: dispute.StatusEscalated}}
	svc := NewService(pool, &fakeDecisions{}, disputes, &fakeTimeline{}, &fakeOutbox{}, 48*time.Hour)

	dec, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomeRefund, RefundPercent: 100},
		DecidedBy: dispute.TierCouncil,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Appealable || dec.AppealDeadline != nil {
		t.Fatal("council decision must not be appealable")
	}
}

func TestRecord_RejectsBadSplit(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeDecisions{}, &fakeDisputes{}, &fakeTimeline{}, &fakeOutbox{}, 48*time.Hour)
	_, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomePartial, ReleasePercent: 70, RefundPercent: 40},
		DecidedBy: dispute.TierCouncil,
	})
	if !errors.Is(err, ErrInvalidSplit) {
		t.Fatalf("expected ErrInvalidSplit, got %v", err)
	}
}

func TestRecord_RejectsClosedDispute(t *testing.T) {
	pool := &fakePool{}
	disputes := &fakeDisputes{current: dispute.Dispute{ID: "d1", Status: dispute.StatusClosed}}
	svc := NewService(pool, &fakeDecisions{}, disputes, &fakeTimeline{}, &fakeOutbox{}, 48*time.Hour)

	_, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomeRelease, ReleasePercent: 100},
		DecidedBy: dispute.TierCouncil,
	})
	if !errors.Is(err, dispute.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if pool.tx.committed {
		t.Fatal("expected no commit")
	}
}

func TestRecord_RejectsPendingDispute(t *testing.T) {
	pool := &fakePool{}
	disputes := &fakeDisputes{current: dispute.Dispute{ID: "d1", Status: dispute.StatusPending}}
	svc := NewService(pool, &fakeDecisions{}, disputes, &fakeTimeline{}, &fakeOutbox{}, 48*time.Hour)

	_, err := svc.Record(context.Background(), RecordParams{
		DisputeID: "d1",
		Draft:     Draft{Outcome: OutcomeRelease, ReleasePercent: 100},
		DecidedBy: dispute.TierAutomated,
	})
	if !errors.Is(err, dispute.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

type fakeDecisions struct {
	current    *Decision
	superseded bool
	inserted   []InsertParams
}

func (f *fakeDecisions) Insert(_ context.Context, _ pgx.Tx, params InsertParams) (Decision, error) {
	f.inserted = append(f.inserted, params)
	return Decision{
		ID:             params.ID,
		DisputeID:      params.DisputeID,
		Outcome:        params.Outcome,
		ReleasePercent: params.ReleasePercent,
		RefundPercent:  params.RefundPercent,
		DecidedBy:      params.DecidedBy,
		Appealable:     params.Appealable,
		AppealDeadline: params.AppealDeadline,
	}, nil
}

func (f *fakeDecisions) SupersedeCurrent(_ context.Context, _ pgx.Tx, _ string) error {
	f.superseded = true
	return nil
}

func (f *fakeDecisions) Current(_ context.Context, _ string) (Decision, error) {
	return Decision{}, ErrNoDecision
}

func (f *fakeDecisions) CurrentTx(_ context.Context, _ pgx.Tx, _ string) (Decision, error) {
	if f.current == nil {
		return Decision{}, ErrNoDecision
	}
	return *f.current, nil
}

func (f *fakeDecisions) ListByDispute(_ context.Context, _ string) ([]Decision, error) {
	return nil, nil
}

type fakeDisputes struct {
	current       dispute.Dispute
	lastStatus    dispute.Status
	windowCleared bool
}

func (f *fakeDisputes) LockForUpdate(_ context.Context, _ pgx.Tx, _ string) (dispute.Dispute, error) {
	return f.current, nil
}

func (f *fakeDisputes) UpdateStatus(_ context.Context, _ pgx.Tx, _ string, status dispute.Status) error {
	f.lastStatus = status
	return nil
}

func (f *fakeDisputes) ClearVotingWindow(_ context.Context, _ pgx.Tx, _ string) error {
	f.windowCleared = true
	return nil
}

type fakeTimeline struct {
	events   []string
	payloads []map[string]any
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, _ string, eventType string, _ *string, payload map[string]any) error {
	f.events = append(f.events, eventType)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	tx fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
