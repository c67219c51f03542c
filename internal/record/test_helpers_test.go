package record

import (
	"testing"
	"time"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/kvstore"
)

const testPrefix = "app_"

func newTestStore(t *testing.T) (*Store, *docstore.Memory, *kvstore.Memory) {
	t.Helper()
	remote := docstore.NewMemory()
	local := kvstore.NewMemory()
	store, err := NewStore(StoreConfig{
		Remote:    remote,
		Local:     local,
		KeyPrefix: testPrefix,
		Clock:     func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected store constructor error: %v", err)
	}
	return store, remote, local
}

func feedEvent(subjectID string, occurredAt int64, amount float64) ActivityEvent {
	return ActivityEvent{
		SubjectID:        subjectID,
		Kind:             KindFeed,
		OccurredAtMillis: occurredAt,
		Amount:           amount,
	}
}
