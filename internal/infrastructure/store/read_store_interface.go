package store

import (
	"context"
	"encoding/json"
)

// ReadStoreInterface defines the interface for read model storage.
// Documents are stored as JSON; GetAll returns them ordered by id.
type ReadStoreInterface interface {
	// Set upserts a read model document
	Set(ctx context.Context, collection, id string, doc any) error

	// Get decodes a document into dst and reports whether it exists
	Get(ctx context.Context, collection, id string, dst any) (bool, error)

	// GetAll returns every document in a collection
	GetAll(ctx context.Context, collection string) ([]json.RawMessage, error)

	// Delete removes a document
	Delete(ctx context.Context, collection, id string) error

	// Clear removes every document in a collection
	Clear(ctx context.Context, collection string) error
}
