package evidence

import (
	"context"
	"errors"
	"testing"

	"disputeflow/dispute"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestSubmit_RejectsClosedDispute(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeStore{}, &fakeLocker{d: dispute.Dispute{ID: "d1", Status: dispute.StatusClosed}}, &fakeTimeline{})

	_, err := svc.Submit(context.Background(), SubmitParams{
		DisputeID:   "d1",
		SubmittedBy: "addr-1",
		Kind:        KindText,
		Content:     "milestone was never delivered",
	})
	if !errors.Is(err, ErrDisputeClosed) {
		t.Fatalf("expected ErrDisputeClosed, got %v", err)
	}
}

func TestSubmit_RejectsUnknownKind(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeStore{}, &fakeLocker{}, &fakeTimeline{})

	_, err := svc.Submit(context.Background(), SubmitParams{
		DisputeID:   "d1",
		SubmittedBy: "addr-1",
		Kind:        "hearsay",
		Content:     "x",
	})
	if !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestSubmit_HashesContentAndAppendsEvent(t *testing.T) {
	pool := &fakePool{}
	store := &fakeStore{}
	tl := &fakeTimeline{}
	svc := NewService(pool, store, &fakeLocker{d: dispute.Dispute{ID: "d1", Status: dispute.StatusReviewing}}, tl)

	e, err := svc.Submit(context.Background(), SubmitParams{
		DisputeID:   "d1",
		SubmittedBy: "addr-1",
		Kind:        KindAPIResponse,
		Content:     `{"milestone":"m2","status":"incomplete"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ContentSHA256 != HashContent(`{"milestone":"m2","status":"incomplete"}`) {
		t.Fatalf("unexpected content hash %q", e.ContentSHA256)
	}
	if len(tl.events) != 1 || tl.events[0] != "evidence_submitted" {
		t.Fatalf("expected evidence_submitted event, got %v", tl.events)
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestHashContent_Deterministic(t *testing.T) {
	a := HashContent("same content")
	b := HashContent("same content")
	if a != b {
		t.Fatalf("hash should be deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if HashContent("other content") == a {
		t.Fatal("different content should hash differently")
	}
}

type fakeLocker struct {
	d   dispute.Dispute
	err error
}

func (f *fakeLocker) LockForUpdate(_ context.Context, _ pgx.Tx, _ string) (dispute.Dispute, error) {
	return f.d, f.err
}

type fakeStore struct {
	inserted *InsertParams
}

func (f *fakeStore) Insert(_ context.Context, _ pgx.Tx, params InsertParams) (Evidence, error) {
	f.inserted = &params
	return Evidence{
		ID:            params.ID,
		DisputeID:     params.DisputeID,
		SubmittedBy:   params.SubmittedBy,
		Kind:          params.Kind,
		Content:       params.Content,
		ContentSHA256: params.ContentSHA256,
	}, nil
}

func (f *fakeStore) MarkVerified(_ context.Context, _ pgx.Tx, id, actor string) (Evidence, error) {
	return Evidence{ID: id, DisputeID: "d1", Verified: true, VerifiedBy: &actor}, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Evidence, error) {
	return Evidence{ID: id}, nil
}

func (f *fakeStore) List(_ context.Context, _ string, _ Filters) ([]Evidence, error) {
	return nil, nil
}

type fakeTimeline struct {
	events []string
}

func (f *fakeTimeline) Append(_ context.Context, _ pgx.Tx, _ string, eventType string, _ *string, _ map[string]any) error {
	f.events = append(f.events, eventType)
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
