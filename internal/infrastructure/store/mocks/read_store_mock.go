package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/eventcore/internal/infrastructure/store"
)

// MockReadStore is a mock implementation of ReadStoreInterface for testing.
// Documents live in the in-memory read store; calls are recorded and
// failures can be injected per collection.
type MockReadStore struct {
	inner *store.ReadStore

	mu sync.Mutex

	// For tracking calls in tests
	SetCalls    []SetCall
	GetCalls    []GetCall
	DeleteCalls []DeleteCall
	ClearCalls  []string

	// SetErr, when it returns non-nil, fails Set for that call.
	SetErr func(collection, id string) error
}

// SetCall records parameters passed to Set
type SetCall struct {
	Collection string
	ID         string
	Data       any
}

// GetCall records parameters passed to Get
type GetCall struct {
	Collection string
	ID         string
}

// DeleteCall records parameters passed to Delete
type DeleteCall struct {
	Collection string
	ID         string
}

// NewMockReadStore creates a new MockReadStore
func NewMockReadStore() *MockReadStore {
	return &MockReadStore{
		inner:       store.NewReadStore(),
		SetCalls:    make([]SetCall, 0),
		GetCalls:    make([]GetCall, 0),
		DeleteCalls: make([]DeleteCall, 0),
	}
}

func (m *MockReadStore) Set(ctx context.Context, collection, id string, doc any) error {
	m.mu.Lock()
	m.SetCalls = append(m.SetCalls, SetCall{Collection: collection, ID: id, Data: doc})
	setErr := m.SetErr
	m.mu.Unlock()

	if setErr != nil {
		if err := setErr(collection, id); err != nil {
			return err
		}
	}
	return m.inner.Set(ctx, collection, id, doc)
}

func (m *MockReadStore) Get(ctx context.Context, collection, id string, dst any) (bool, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, GetCall{Collection: collection, ID: id})
	m.mu.Unlock()
	return m.inner.Get(ctx, collection, id, dst)
}

func (m *MockReadStore) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return m.inner.GetAll(ctx, collection)
}

func (m *MockReadStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Collection: collection, ID: id})
	m.mu.Unlock()
	return m.inner.Delete(ctx, collection, id)
}

func (m *MockReadStore) Clear(ctx context.Context, collection string) error {
	m.mu.Lock()
	m.ClearCalls = append(m.ClearCalls, collection)
	m.mu.Unlock()
	return m.inner.Clear(ctx, collection)
}

// SetCallCount returns how many times Set was called
func (m *MockReadStore) SetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SetCalls)
}

// Reset clears all data and recorded calls
func (m *MockReadStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inner = store.NewReadStore()
	m.SetCalls = make([]SetCall, 0)
	m.GetCalls = make([]GetCall, 0)
	m.DeleteCalls = make([]DeleteCall, 0)
	m.ClearCalls = nil
	m.SetErr = nil
}
