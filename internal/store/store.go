// Package store defines the durable session store contract and an in-memory
// implementation. Concrete backends live in subpackages.
package store

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/drewfead/triage/internal/session"
)

// SessionStore persists terminal sessions. Upsert is idempotent by document
// id: writing the same id twice leaves one document with the latest content.
// Query returns matches ordered by UpdatedAt, newest first.
type SessionStore interface {
	Upsert(ctx context.Context, doc *session.Document) error
	Query(ctx context.Context, f Filter, limit int) ([]*session.Document, error)
	Close() error
}

// Filter narrows a Query. Empty fields match everything.
type Filter struct {
	Scenario   string
	IDs        []string
	ExcludeIDs []string
	Statuses   []session.Status
}

// ErrInvalidDocument is returned when a document has no id.
var ErrInvalidDocument = errors.New("store: document id is required")

// Matches reports whether doc satisfies the filter.
func (f Filter) Matches(doc *session.Document) bool {
	if f.Scenario != "" && doc.Scenario != f.Scenario {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, doc.ID) {
		return false
	}
	if slices.Contains(f.ExcludeIDs, doc.ID) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, doc.Status) {
		return false
	}
	return true
}

// Get fetches one document by id through Query. It returns (nil, nil) when
// the id is unknown.
func Get(ctx context.Context, s SessionStore, id string) (*session.Document, error) {
	docs, err := s.Query(ctx, Filter{IDs: []string{id}}, 1)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// SortByUpdated orders docs newest first, breaking ties by id.
func SortByUpdated(docs []*session.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
