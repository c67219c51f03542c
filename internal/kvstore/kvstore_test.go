package kvstore

import (
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestMemoryGetReportsPresence(t *testing.T) {
	store := NewMemory()

	if _, ok := store.Get("missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}

	store.Set("app_babies", `[]`)
	value, ok := store.Get("app_babies")
	if !ok || value != `[]` {
		t.Fatalf("unexpected read: %q present=%v", value, ok)
	}

	store.Set("app_babies", `[{"id":"123456"}]`)
	value, _ = store.Get("app_babies")
	if value != `[{"id":"123456"}]` {
		t.Fatalf("expected overwrite to win, got %q", value)
	}
}

func TestSQLiteRoundTripAndOverwrite(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	store, err := NewSQLite(db, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to construct sqlite store: %v", err)
	}

	if _, ok := store.Get("app_current_baby"); ok {
		t.Fatalf("expected miss on empty database")
	}

	store.Set("app_current_baby", "123456")
	store.Set("app_current_baby", "654321")

	value, ok := store.Get("app_current_baby")
	if !ok {
		t.Fatalf("expected stored key to be present")
	}
	if value != "654321" {
		t.Fatalf("expected last write to win, got %q", value)
	}
}

func TestKeySchemeMatchesPersistedLayout(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{CurrentSubjectKey("app_"), "app_current_baby"},
		{SubjectsKey("app_"), "app_babies"},
		{EventsKey("app_", "123456"), "app_events_123456"},
		{GrowthKey("app_", "123456"), "app_growth_123456"},
		{MilestonesKey("app_", "123456"), "app_milestones_123456"},
		{QuickActionsKey("app_", "123456"), "app_quick_actions_123456"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("key mismatch: got %q want %q", tc.got, tc.want)
		}
	}
}
