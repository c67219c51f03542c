package record

import (
	"errors"

	"github.com/nestlog/nestlog/internal/docstore"
)

// EventKind is the closed set of tracked behaviors.
type EventKind string

const (
	KindFeed       EventKind = "feed"
	KindDrink      EventKind = "drink"
	KindUrinate    EventKind = "urinate"
	KindDefecate   EventKind = "defecate"
	KindSleepStart EventKind = "sleepStart"
	KindSleepEnd   EventKind = "sleepEnd"
	// KindUnknown tags events whose stored kind was missing or malformed.
	// Unknown events pass through storage untouched but contribute nothing
	// to aggregation or pairing.
	KindUnknown EventKind = "unknown"
)

var (
	// ErrMissingSubjectID indicates an event without a subject.
	ErrMissingSubjectID = errors.New("record: subject id is required")
	// ErrMissingEventID indicates a mutation without a remote or local id.
	ErrMissingEventID = errors.New("record: event id is required")
	// ErrInvalidTimestamp indicates a non-positive occurrence timestamp.
	ErrInvalidTimestamp = errors.New("record: occurrence timestamp must be positive")
)

// AllKinds lists the six recordable kinds in display order.
func AllKinds() []EventKind {
	return []EventKind{KindFeed, KindDrink, KindUrinate, KindDefecate, KindSleepStart, KindSleepEnd}
}

// DecodeKind maps a raw stored kind onto the closed union. Anything that is
// not one of the six known string values (including non-string shapes from
// corrupted payloads) decodes to KindUnknown.
func DecodeKind(raw any) EventKind {
	text, ok := raw.(string)
	if !ok {
		return KindUnknown
	}
	switch EventKind(text) {
	case KindFeed, KindDrink, KindUrinate, KindDefecate, KindSleepStart, KindSleepEnd:
		return EventKind(text)
	default:
		return KindUnknown
	}
}

// ActivityEvent is one occurrence of a tracked behavior. Exactly one of
// RemoteID/LocalID is set once the event is persisted: RemoteID when the
// remote write succeeded, LocalID when the event exists on this device only.
type ActivityEvent struct {
	RemoteID         string    `json:"remoteId,omitempty"`
	LocalID          string    `json:"localId,omitempty"`
	SubjectID        string    `json:"subjectId"`
	Kind             EventKind `json:"type"`
	OccurredAtMillis int64     `json:"timestamp"`
	// Amount is the quantity for feed/drink events; zero otherwise.
	Amount float64 `json:"amount,omitempty"`
	// DurationMinutes is set for sleep sessions; zero means unpaired.
	DurationMinutes int64  `json:"duration,omitempty"`
	Note            string `json:"note,omitempty"`
}

// ID returns whichever identifier the event carries, remote first.
func (e ActivityEvent) ID() string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	return e.LocalID
}

func (e ActivityEvent) validate() error {
	if e.SubjectID == "" {
		return ErrMissingSubjectID
	}
	if e.OccurredAtMillis <= 0 {
		return ErrInvalidTimestamp
	}
	return nil
}

func (e ActivityEvent) docData() map[string]any {
	return map[string]any{
		"subjectId": e.SubjectID,
		"type":      string(e.Kind),
		"timestamp": e.OccurredAtMillis,
		"amount":    e.Amount,
		"duration":  e.DurationMinutes,
		"note":      e.Note,
	}
}

func eventFromDocument(doc docstore.Document) ActivityEvent {
	return ActivityEvent{
		RemoteID:         doc.ID,
		SubjectID:        docstore.StringField(doc.Data, "subjectId"),
		Kind:             DecodeKind(doc.Data["type"]),
		OccurredAtMillis: docstore.Int64Field(doc.Data, "timestamp"),
		Amount:           docstore.Float64Field(doc.Data, "amount"),
		DurationMinutes:  docstore.Int64Field(doc.Data, "duration"),
		Note:             docstore.StringField(doc.Data, "note"),
	}
}
