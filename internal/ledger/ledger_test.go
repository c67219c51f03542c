package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

func newGrowthFixture(t *testing.T) (*GrowthLedger, *docstore.Memory) {
	t.Helper()
	remote := docstore.NewMemory()
	ledger, err := NewGrowthLedger(GrowthLedgerConfig{
		Remote:    remote,
		Local:     kvstore.NewMemory(),
		KeyPrefix: "app_",
		Clock:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return ledger, remote
}

func TestGrowthAppendThenListNewestFirst(t *testing.T) {
	ledger, _ := newGrowthFixture(t)
	ctx := context.Background()

	entries := []GrowthEntry{
		{SubjectID: "123456", DateKey: "2026-01-05", WeightKg: 4.2},
		{SubjectID: "123456", DateKey: "2026-02-01", WeightKg: 4.9},
		{SubjectID: "123456", DateKey: "2026-01-20", WeightKg: 4.6},
	}
	for _, entry := range entries {
		result, err := ledger.Append(ctx, entry)
		if err != nil {
			t.Fatalf("unexpected append error: %v", err)
		}
		if result.Entry.RemoteID == "" || !result.RemoteSynced {
			t.Fatalf("expected synced entry with remote id, got %+v", result)
		}
	}

	listed, err := ledger.List(ctx, "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	var dateKeys []string
	for _, entry := range listed {
		dateKeys = append(dateKeys, entry.DateKey)
	}
	want := []string{"2026-02-01", "2026-01-20", "2026-01-05"}
	if len(dateKeys) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), dateKeys)
	}
	for i, key := range want {
		if dateKeys[i] != key {
			t.Fatalf("expected newest-first order %v, got %v", want, dateKeys)
		}
	}
}

func TestGrowthAppendRejectsMalformedDateKey(t *testing.T) {
	ledger, remote := newGrowthFixture(t)
	ctx := context.Background()

	for _, dateKey := range []string{"2026-1-05", "05-01-2026", "2026-13-01", "yesterday", ""} {
		if _, err := ledger.Append(ctx, GrowthEntry{SubjectID: "123456", DateKey: dateKey}); !errors.Is(err, ErrInvalidDateKey) {
			t.Fatalf("expected date key rejection for %q, got %v", dateKey, err)
		}
	}
	docs, err := remote.Query(ctx, docstore.CollectionGrowth, docstore.Query{})
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("rejected entries must not reach the remote store, found %d", len(docs))
	}
}

func TestGrowthAppendRequiresConnectivity(t *testing.T) {
	ledger, remote := newGrowthFixture(t)
	remote.SetUnavailable(true)

	if _, err := ledger.Append(context.Background(), GrowthEntry{SubjectID: "123456", DateKey: "2026-01-05"}); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestGrowthListFallsBackToLocalMirror(t *testing.T) {
	ledger, remote := newGrowthFixture(t)
	ctx := context.Background()

	if _, err := ledger.Append(ctx, GrowthEntry{SubjectID: "123456", DateKey: "2026-01-05", HeightCm: 55}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	remote.SetUnavailable(true)
	listed, err := ledger.List(ctx, "123456")
	if err != nil {
		t.Fatalf("expected cached fallback, got error: %v", err)
	}
	if len(listed) != 1 || listed[0].HeightCm != 55 {
		t.Fatalf("expected mirrored entry from cache, got %#v", listed)
	}
}

func TestGrowthRemoveDeletesRemotelyAndLocally(t *testing.T) {
	ledger, remote := newGrowthFixture(t)
	ctx := context.Background()

	result, err := ledger.Append(ctx, GrowthEntry{SubjectID: "123456", DateKey: "2026-01-05", WeightKg: 4.2})
	if err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if err := ledger.Remove(ctx, "123456", result.Entry.RemoteID); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}

	if _, err := remote.Get(ctx, docstore.CollectionGrowth, result.Entry.RemoteID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected remote deletion, got %v", err)
	}
	remote.SetUnavailable(true)
	listed, err := ledger.List(ctx, "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty mirror after removal, got %#v", listed)
	}
}

func TestMilestoneAppendThenList(t *testing.T) {
	remote := docstore.NewMemory()
	ledger, err := NewMilestoneLedger(MilestoneLedgerConfig{
		Remote:    remote,
		Local:     kvstore.NewMemory(),
		KeyPrefix: "app_",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.Append(ctx, Milestone{SubjectID: "123456", DateKey: "2026-03-10", Title: "First word", Description: "Said mama"}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := ledger.Append(ctx, Milestone{SubjectID: "123456", DateKey: "2026-05-02", Title: "First step"}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	listed, err := ledger.List(ctx, "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two milestones, got %#v", listed)
	}
	if listed[0].Title != "First step" || listed[1].Title != "First word" {
		t.Fatalf("expected newest-first order, got %#v", listed)
	}
	if listed[1].Description != "Said mama" {
		t.Fatalf("expected description to round-trip, got %#v", listed[1])
	}
}

func TestMilestoneListScopedToSubject(t *testing.T) {
	remote := docstore.NewMemory()
	ledger, err := NewMilestoneLedger(MilestoneLedgerConfig{
		Remote:    remote,
		Local:     kvstore.NewMemory(),
		KeyPrefix: "app_",
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.Append(ctx, Milestone{SubjectID: "123456", DateKey: "2026-03-10", Title: "First word"}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := ledger.Append(ctx, Milestone{SubjectID: "654321", DateKey: "2026-03-11", Title: "First tooth"}); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	listed, err := ledger.List(ctx, "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 1 || listed[0].Title != "First word" {
		t.Fatalf("expected only the subject's own milestones, got %#v", listed)
	}
}
