package record

import (
	"context"
	"testing"
	"time"
)

const minuteMillis = int64(60_000)

func sleepEvent(subjectID string, occurredAt int64) ActivityEvent {
	return ActivityEvent{SubjectID: subjectID, Kind: KindSleepStart, OccurredAtMillis: occurredAt}
}

func wakeEvent(subjectID string, occurredAt int64) ActivityEvent {
	return ActivityEvent{SubjectID: subjectID, Kind: KindSleepEnd, OccurredAtMillis: occurredAt}
}

func findSleepStart(t *testing.T, events []ActivityEvent, occurredAt int64) ActivityEvent {
	t.Helper()
	for _, event := range events {
		if event.Kind == KindSleepStart && event.OccurredAtMillis == occurredAt {
			return event
		}
	}
	t.Fatalf("sleep event at %d not found in %#v", occurredAt, events)
	return ActivityEvent{}
}

func TestWakePairsMostRecentUnpairedSleep(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sleepAt := int64(1700000000000)

	if _, err := store.Append(ctx, sleepEvent("123456", sleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, wakeEvent("123456", sleepAt+45*minuteMillis)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	paired := findSleepStart(t, events, sleepAt)
	if paired.DurationMinutes != 45 {
		t.Fatalf("expected 45 paired minutes, got %d", paired.DurationMinutes)
	}
}

func TestSecondWakeDoesNotAlterAlreadyPairedSleep(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sleepAt := int64(1700000000000)

	if _, err := store.Append(ctx, sleepEvent("123456", sleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, wakeEvent("123456", sleepAt+45*minuteMillis)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, wakeEvent("123456", sleepAt+90*minuteMillis)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	paired := findSleepStart(t, events, sleepAt)
	if paired.DurationMinutes != 45 {
		t.Fatalf("expected the first pairing to stand, got %d", paired.DurationMinutes)
	}
}

func TestWakeNeverOverwritesUserEnteredDuration(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sleepAt := int64(1700000000000)

	manual := sleepEvent("123456", sleepAt)
	manual.DurationMinutes = 30
	if _, err := store.Append(ctx, manual); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, wakeEvent("123456", sleepAt+45*minuteMillis)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	paired := findSleepStart(t, events, sleepAt)
	if paired.DurationMinutes != 30 {
		t.Fatalf("user-entered duration was overwritten: got %d", paired.DurationMinutes)
	}
}

func TestWakeOutsideTwentyFourHourWindowIsANoOp(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	sleepAt := int64(1700000000000)

	if _, err := store.Append(ctx, sleepEvent("123456", sleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	wakeAt := sleepAt + (24*time.Hour).Milliseconds() + minuteMillis
	if _, err := store.Append(ctx, wakeEvent("123456", wakeAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	stale := findSleepStart(t, events, sleepAt)
	if stale.DurationMinutes != 0 {
		t.Fatalf("expected sleep outside the window to stay unpaired, got %d", stale.DurationMinutes)
	}
}

func TestPairingFallsBackToLocalCacheWhenRemoteUnavailable(t *testing.T) {
	store, remote, _ := newTestStore(t)
	ctx := context.Background()
	sleepAt := int64(1700000000000)

	if _, err := store.Append(ctx, sleepEvent("123456", sleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	remote.SetUnavailable(true)
	if _, err := store.Append(ctx, wakeEvent("123456", sleepAt+45*minuteMillis)); err != nil {
		t.Fatalf("expected offline wake append to succeed: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	paired := findSleepStart(t, events, sleepAt)
	if paired.DurationMinutes != 45 {
		t.Fatalf("expected cache-scan pairing to stamp 45 minutes, got %d", paired.DurationMinutes)
	}
}

func TestWakeSecondsAfterSleepLeavesOlderSessionsAlone(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	firstSleepAt := int64(1700000000000)
	secondSleepAt := firstSleepAt + 120*minuteMillis

	if _, err := store.Append(ctx, sleepEvent("123456", firstSleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, sleepEvent("123456", secondSleepAt)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	if _, err := store.Append(ctx, wakeEvent("123456", secondSleepAt+20_000)); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	events, err := store.Query(ctx, "123456", 0, 0)
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if got := findSleepStart(t, events, firstSleepAt).DurationMinutes; got != 0 {
		t.Fatalf("older sleep session was stamped with %d minutes", got)
	}
	if got := findSleepStart(t, events, secondSleepAt).DurationMinutes; got != 0 {
		t.Fatalf("sub-minute wake stamped %d minutes", got)
	}
}
