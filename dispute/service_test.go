package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTransition_InvalidLeavesRowUntouched(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusPending}}
	svc := NewService(pool, store, &fakeTimeline{}, &fakeOutbox{})

	err := svc.Transition(context.Background(), TransitionParams{DisputeID: "d1", Next: StatusResolved})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if store.statusUpdates != 0 {
		t.Fatalf("expected no status update, got %d", store.statusUpdates)
	}
	if pool.tx.committed {
		t.Fatal("expected transaction not to commit")
	}
}

func TestTransition_ClosedToClosedIsNoop(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusClosed}}
	tl := &fakeTimeline{}
	svc := NewService(pool, store, tl, &fakeOutbox{})

	if err := svc.Transition(context.Background(), TransitionParams{DisputeID: "d1", Next: StatusClosed}); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}
	if store.statusUpdates != 0 || len(tl.events) != 0 {
		t.Fatal("expected no writes on idempotent close")
	}
}

func TestTransition_AppendsEventAndCommits(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusPending}}
	tl := &fakeTimeline{}
	svc := NewService(pool, store, tl, &fakeOutbox{})

	err := svc.Transition(context.Background(), TransitionParams{
		DisputeID: "d1",
		Next:      StatusReviewing,
		Actor:     "system",
		Reason:    "auto_threshold",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.statusUpdates != 1 {
		t.Fatalf("expected one status update, got %d", store.statusUpdates)
	}
	if len(tl.events) != 1 || tl.events[0] != "status_changed" {
		t.Fatalf("expected status_changed event, got %v", tl.events)
	}
	if !pool.tx.committed {
		t.Fatal("expected transaction to commit")
	}
}

func TestTransition_ClosedEnqueuesOutbox(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusResolved}}
	out := &fakeOutbox{}
	svc := NewService(pool, store, &fakeTimeline{}, out)

	if err := svc.Transition(context.Background(), TransitionParams{DisputeID: "d1", Next: StatusClosed, Reason: "appeal_window_elapsed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.topics) != 1 || out.topics[0] != OutboxTopicDisputeClosed {
		t.Fatalf("expected dispute.closed outbox message, got %v", out.topics)
	}
}

func TestForceClose_CancelsVotingWindow(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusVoting}}
	svc := NewService(pool, store, &fakeTimeline{}, &fakeOutbox{})

	if err := svc.ForceClose(context.Background(), "d1", "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.windowCleared {
		t.Fatal("expected voting window to be cleared")
	}
	if store.statusUpdates != 1 {
		t.Fatalf("expected one status update, got %d", store.statusUpdates)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestEscalate_RequiresReason(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeStore{}, &fakeTimeline{}, &fakeOutbox{})
	if err := svc.Escalate(context.Background(), EscalateParams{DisputeID: "d1", Tier: TierCouncil}); err == nil {
		t.Fatal("expected error for missing reason")
	}
}

func TestEscalate_RejectsClosedDispute(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{current: Dispute{ID: "d1", Status: StatusClosed}}
	svc := NewService(pool, store, &fakeTimeline{}, &fakeOutbox{})

	err := svc.Escalate(context.Background(), EscalateParams{DisputeID: "d1", Tier: TierCouncil, Reason: "timeout"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeStore{}, &fakeTimeline{}, &fakeOutbox{})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Title: "x", RaisedBy: "a", Category: CategoryFraudClaim, PledgeIDs: []string{"p1"}}); err == nil {
		t.Fatal("expected error for missing campaign id")
	}
	if _, err := svc.Create(ctx, CreateParams{CampaignID: "c1", Title: "x", RaisedBy: "a", Category: CategoryFraudClaim}); err == nil {
		t.Fatal("expected error when both pledge ids and milestone are absent")
	}
	if _, err := svc.Create(ctx, CreateParams{CampaignID: "c1", Title: "x", RaisedBy: "a", Category: "bogus", PledgeIDs: []string{"p1"}}); err == nil {
		t.Fatal("expected error for invalid category")
	}
	if _, err := svc.Create(ctx, CreateParams{CampaignID: "c1", Title: "x", RaisedBy: "a", Category: CategoryFraudClaim, PledgeIDs: []string{"p1"}, TotalEscrowedAmount: -1}); err == nil {
		t.Fatal("expected error for negative escrowed amount")
	}
}

type fakeStore struct {
	current       Dispute
	statusUpdates int
	tierUpdates   int
	windowCleared bool
	inserted      *InsertParams
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, params InsertParams) (Dispute, error) {
	f.inserted = &params
	d := f.current
	d.ID = params.ID
	d.Status = StatusPending
	return d, nil
}

func (f *fakeStore) Get(_ context.Context, _ string) (Dispute, error) {
	return f.current, nil
}

func (f *fakeStore) LockForUpdate(_ context.Context, _ pgx.Tx, _ string) (Dispute, error) {
	return f.current, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ pgx.Tx, _ string, _ Status) error {
	f.statusUpdates++
	return nil
}

func (f *fakeStore) UpdateTier(_ context.Context, _ pgx.Tx, _ string, _ Tier) error {
	f.tierUpdates++
	return nil
}

func (f *fakeStore) ClearVotingWindow(_ context.Context, _ pgx.Tx, _ string) error {
	f.windowCleared = true
	return nil
}

func (f *fakeStore) List(_ context.Context, _ Filters) ([]Dispute, error) {
	return nil, nil
}

type fakeTimeline struct {
	events []string
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, _ string, eventType string, _ *string, _ map[string]any) error {
	f.events = append(f.events, eventType)
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

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
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
