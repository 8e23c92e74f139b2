package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ReadStore is an in-memory read model store
type ReadStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage // collection -> id -> document
}

func NewReadStore() *ReadStore {
	return &ReadStore{
		data: make(map[string]map[string]json.RawMessage),
	}
}

// Set stores a read model
func (rs *ReadStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] == nil {
		rs.data[collection] = make(map[string]json.RawMessage)
	}
	rs.data[collection][id] = raw
	return nil
}

// Get retrieves a read model by id
func (rs *ReadStore) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	rs.mu.RLock()
	raw, ok := rs.data[collection][id]
	rs.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// GetAll retrieves all items in a collection
func (rs *ReadStore) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	ids := make([]string, 0, len(rs.data[collection]))
	for id := range rs.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		items = append(items, append(json.RawMessage(nil), rs.data[collection][id]...))
	}
	return items, nil
}

// Delete removes a read model
func (rs *ReadStore) Delete(ctx context.Context, collection, id string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.data[collection] != nil {
		delete(rs.data[collection], id)
	}
	return nil
}

// Clear removes a whole collection
func (rs *ReadStore) Clear(ctx context.Context, collection string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	delete(rs.data, collection)
	return nil
}
