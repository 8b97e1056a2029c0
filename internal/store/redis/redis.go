// Package redis provides a Redis-backed SessionStore.
//
// Each document is stored as JSON under <prefix>session:<id>. Two sorted sets
// scored by updated_at index the documents: <prefix>sessions:updated for all
// sessions and <prefix>sessions:scenario:<name> per scenario.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

const mgetBatch = 100

// Store persists session documents in Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
}

var _ store.SessionStore = (*Store)(nil)

// Dial parses url, connects and returns a Store that owns the client.
func Dial(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s := New(client, prefix)
	s.owned = true
	return s, nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) docKey(id string) string        { return s.prefix + "session:" + id }
func (s *Store) allKey() string                 { return s.prefix + "sessions:updated" }
func (s *Store) scenarioKey(name string) string { return s.prefix + "sessions:scenario:" + name }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client when the store owns it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Upsert writes doc and its index entries in one transaction. An existing
// document keeps its created_at and moves scenario index if the scenario
// changed.
func (s *Store) Upsert(ctx context.Context, doc *session.Document) error {
	if doc == nil || doc.ID == "" {
		return store.ErrInvalidDocument
	}

	prev, err := s.load(ctx, doc.ID)
	if err != nil {
		return err
	}
	out := *doc
	if prev != nil && !prev.CreatedAt.IsZero() {
		out.CreatedAt = prev.CreatedAt
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", doc.ID, err)
	}
	score := float64(out.UpdatedAt.UnixMilli())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(out.ID), body, 0)
		pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: out.ID})
		if prev != nil && prev.Scenario != out.Scenario {
			pipe.ZRem(ctx, s.scenarioKey(prev.Scenario), out.ID)
		}
		pipe.ZAdd(ctx, s.scenarioKey(out.Scenario), redis.Z{Score: score, Member: out.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", doc.ID, err)
	}
	return nil
}

// Query returns documents matching f, newest first.
func (s *Store) Query(ctx context.Context, f store.Filter, limit int) ([]*session.Document, error) {
	var ids []string
	if len(f.IDs) > 0 {
		ids = f.IDs
	} else {
		key := s.allKey()
		if f.Scenario != "" {
			key = s.scenarioKey(f.Scenario)
		}
		var err error
		ids, err = s.client.ZRevRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read session index: %w", err)
		}
	}

	var out []*session.Document
	for start := 0; start < len(ids); start += mgetBatch {
		end := min(start+mgetBatch, len(ids))
		docs, err := s.loadMany(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if f.Matches(d) {
				out = append(out, d)
			}
		}
	}

	store.SortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, id string) (*session.Document, error) {
	raw, err := s.client.Get(ctx, s.docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var doc session.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &doc, nil
}

func (s *Store) loadMany(ctx context.Context, ids []string) ([]*session.Document, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.docKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget sessions: %w", err)
	}
	docs := make([]*session.Document, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry without a document
			continue
		}
		var doc session.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", ids[i], err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}
