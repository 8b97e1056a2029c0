package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/drewfead/triage/internal/session"
)

// MemoryStore implements SessionStore in process memory. Documents are kept
// in encoded form so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (m *MemoryStore) Upsert(ctx context.Context, doc *session.Document) error {
	if doc == nil || doc.ID == "" {
		return ErrInvalidDocument
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", doc.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = b
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter, limit int) ([]*session.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*session.Document, 0, len(m.docs))
	for id, b := range m.docs {
		var doc session.Document
		if err := json.Unmarshal(b, &doc); err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		if f.Matches(&doc) {
			out = append(out, &doc)
		}
	}
	m.mu.RUnlock()

	SortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryStore) Close() error { return nil }
