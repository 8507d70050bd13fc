package ports

import (
	"context"

	"classmesh/internal/core/domain"
)

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// Change is one ordered event delivered to a subscription. Data is nil for
// removals.
type Change struct {
	Type ChangeType
	ID   string
	Path string
	Data domain.Document
}

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

// SignalingChannel is a hierarchical realtime document store used purely to
// bootstrap peer sessions. Paths are slash separated; a collection path
// followed by an id is a document path.
type SignalingChannel interface {
	Get(ctx context.Context, path string) (domain.Document, error)
	// Create writes a new document and fails with domain.ErrDocumentExists
	// if one is already present.
	Create(ctx context.Context, path string, doc domain.Document) error
	Set(ctx context.Context, path string, doc domain.Document) error
	// Update merges fields into an existing document. A nil field value
	// removes the field.
	Update(ctx context.Context, path string, fields domain.Document) error
	Delete(ctx context.Context, path string) error
	// Append adds a document with a generated id; documents in a
	// collection are delivered in append order.
	Append(ctx context.Context, collection string, doc domain.Document) (string, error)

	// WatchDocument delivers the current state (as added) and every later
	// change of one document, in order.
	WatchDocument(ctx context.Context, path string, fn func(Change)) (Unsubscribe, error)
	// WatchCollection delivers existing documents as added, then every later
	// change of the collection's direct children, in order.
	WatchCollection(ctx context.Context, collection string, fn func(Change)) (Unsubscribe, error)

	Ping(ctx context.Context) error
	Close() error
}
