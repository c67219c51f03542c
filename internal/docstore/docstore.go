// Package docstore defines the remote document-store collaborator: schemaless
// documents grouped into named collections, addressed by id, filtered by
// field, and optionally observed through a live-change subscription.
package docstore

import (
	"context"
	"errors"
)

// Collections used by the core. The sync server rejects anything else.
const (
	CollectionEvents      = "events"
	CollectionSubjects    = "babies"
	CollectionInvitations = "invitations"
	CollectionJoinRecords = "join_requests"
	CollectionGrowth      = "growth"
	CollectionMilestones  = "milestones"
)

var (
	// ErrNotFound indicates the addressed document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrUnavailable indicates the remote store could not be reached.
	ErrUnavailable = errors.New("docstore: remote store unavailable")
	// ErrPermissionDenied indicates the caller is not allowed to perform the
	// operation. It is surfaced to the caller, never silently retried.
	ErrPermissionDenied = errors.New("docstore: permission denied")
)

// Document is one stored record with its collection-scoped identifier.
type Document struct {
	ID   string
	Data map[string]any
}

// CompareOp enumerates the filter combinators the store supports.
type CompareOp string

const (
	OpEqual          CompareOp = "=="
	OpGreaterThan    CompareOp = ">"
	OpLessThan       CompareOp = "<"
	OpGreaterOrEqual CompareOp = ">="
)

// Filter constrains one field of a query.
type Filter struct {
	Field string    `json:"field"`
	Op    CompareOp `json:"op"`
	Value any       `json:"value"`
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Gt builds a strictly-greater-than filter.
func Gt(field string, value any) Filter {
	return Filter{Field: field, Op: OpGreaterThan, Value: value}
}

// Lt builds a strictly-less-than filter.
func Lt(field string, value any) Filter {
	return Filter{Field: field, Op: OpLessThan, Value: value}
}

// Gte builds a greater-or-equal filter.
func Gte(field string, value any) Filter {
	return Filter{Field: field, Op: OpGreaterOrEqual, Value: value}
}

// Query describes a filtered, ordered, limited read of one collection.
// A zero Limit means unlimited.
type Query struct {
	Filters    []Filter `json:"filters,omitempty"`
	OrderBy    string   `json:"order_by,omitempty"`
	Descending bool     `json:"descending,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// WatchHandler receives live-change callbacks for a watched query.
// OnChange is invoked with a fresh query result after each matching
// mutation; OnError terminates the watch.
type WatchHandler struct {
	OnChange func(documents []Document)
	OnError  func(err error)
}

// Client is the remote collaborator contract. Every method may suspend on
// I/O; implementations translate their transport failures into the sentinel
// errors above.
type Client interface {
	// Add stores data as a new document and returns its generated id.
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	// Get reads one document by id.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Update merges data into an existing document.
	Update(ctx context.Context, collection, id string, data map[string]any) error
	// Set overwrites (or creates) the document with exactly data.
	Set(ctx context.Context, collection, id string, data map[string]any) error
	// Remove deletes the document by id.
	Remove(ctx context.Context, collection, id string) error
	// Query returns the documents matching query.
	Query(ctx context.Context, collection string, query Query) ([]Document, error)
	// Watch subscribes to live changes for query. The returned stop function
	// releases the subscription; it is safe to call more than once.
	Watch(ctx context.Context, collection string, query Query, handler WatchHandler) (stop func(), err error)
}
