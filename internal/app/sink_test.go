package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"leversim/internal/domain"
)

// fakeLedger records the order of store calls.
type fakeLedger struct {
	calls     []string
	insertErr error
}

func (f *fakeLedger) InsertClosed(_ context.Context, pos domain.Position) error {
	f.calls = append(f.calls, "insert:"+pos.ID)
	return f.insertErr
}

func (f *fakeLedger) UpsertOpen(_ context.Context, pos domain.Position) error {
	f.calls = append(f.calls, "upsert:"+pos.ID)
	return nil
}

func (f *fakeLedger) DeleteOpen(_ context.Context, id string) error {
	f.calls = append(f.calls, "delete:"+id)
	return nil
}

func (f *fakeLedger) ListClosed(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeLedger) ListClosedBefore(context.Context, time.Time) ([]domain.Position, error) {
	return nil, nil
}

func TestLedgerSinkOpenWritesSnapshot(t *testing.T) {
	store := &fakeLedger{}
	sink := NewLedgerSink(store)

	pos := domain.Position{ID: "p1", Symbol: "BTCUSDT"}
	if err := sink.OnPositionOpened(context.Background(), pos, domain.Setup{}); err != nil {
		t.Fatalf("OnPositionOpened: %v", err)
	}
	if len(store.calls) != 1 || store.calls[0] != "upsert:p1" {
		t.Fatalf("calls = %v, want [upsert:p1]", store.calls)
	}
}

func TestLedgerSinkCloseAppendsThenRemovesSnapshot(t *testing.T) {
	store := &fakeLedger{}
	sink := NewLedgerSink(store)

	pos := domain.Position{ID: "p1", Status: domain.PositionStatusClosed}
	if err := sink.OnPositionClosed(context.Background(), pos); err != nil {
		t.Fatalf("OnPositionClosed: %v", err)
	}
	want := []string{"insert:p1", "delete:p1"}
	if len(store.calls) != 2 || store.calls[0] != want[0] || store.calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", store.calls, want)
	}
}

func TestLedgerSinkCloseKeepsSnapshotOnInsertFailure(t *testing.T) {
	store := &fakeLedger{insertErr: errors.New("db down")}
	sink := NewLedgerSink(store)

	err := sink.OnPositionClosed(context.Background(), domain.Position{ID: "p1"})
	if err == nil {
		t.Fatal("expected error")
	}
	// The snapshot row must survive so a retry can settle it.
	for _, c := range store.calls {
		if c == "delete:p1" {
			t.Fatal("snapshot deleted despite failed insert")
		}
	}
}
