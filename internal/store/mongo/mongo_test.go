package mongo

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
	"github.com/drewfead/triage/internal/store/storetest"
)

func TestSessionStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.SessionStore {
		return newStoreWithCollection(nil, newFakeCollection(), time.Second)
	})
}

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), fc))
	require.Equal(t, []string{"id", "scenario"}, fc.indexes)
}

func TestNewRequiresClientAndDatabase(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestBuildFilter(t *testing.T) {
	f := buildFilter(store.Filter{
		Scenario:   "telco-noc",
		ExcludeIDs: []string{"a"},
		Statuses:   []session.Status{session.StatusCompleted},
	})
	require.Equal(t, "telco-noc", f["scenario"])
	require.Equal(t, bson.M{"$nin": []string{"a"}}, f["id"])
	require.Equal(t, bson.M{"$in": []string{"completed"}}, f["status"])

	require.Empty(t, buildFilter(store.Filter{}))
}

func TestUpsertKeepsCreatedAtOnConflict(t *testing.T) {
	fc := newFakeCollection()
	s := newStoreWithCollection(nil, fc, time.Second)
	ctx := context.Background()

	first := time.Now().UTC().Truncate(time.Millisecond)
	doc := storetest.SampleDocument("sess-1", "telco-noc", first)
	require.NoError(t, s.Upsert(ctx, doc))

	doc.CreatedAt = first.Add(time.Hour)
	doc.UpdatedAt = first.Add(time.Hour)
	require.NoError(t, s.Upsert(ctx, doc))

	got, err := store.Get(ctx, s, "sess-1")
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(first), "created_at = %v, want %v", got.CreatedAt, first)
	require.True(t, got.UpdatedAt.Equal(first.Add(time.Hour)))
}

func TestUpsertPropagatesDriverError(t *testing.T) {
	fc := newFakeCollection()
	fc.updateErr = errors.New("not primary")
	s := newStoreWithCollection(nil, fc, time.Second)

	err := s.Upsert(context.Background(), storetest.SampleDocument("sess-1", "", time.Now()))
	require.ErrorContains(t, err, "not primary")
}

// fakeCollection keeps documents as bson.M so the real bson tags are
// exercised on every write and read.
type fakeCollection struct {
	mu        sync.Mutex
	docs      map[string]bson.M
	indexes   []string
	updateErr error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]bson.M)}
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updateErr != nil {
		return nil, c.updateErr
	}

	id := filter.(bson.M)["id"].(string)
	up := update.(bson.M)
	set, err := toM(up["$set"])
	if err != nil {
		return nil, err
	}

	existing, found := c.docs[id]
	if !found {
		existing = bson.M{}
		onInsert, err := toM(up["$setOnInsert"])
		if err != nil {
			return nil, err
		}
		for k, v := range onInsert {
			existing[k] = v
		}
	}
	for k, v := range set {
		existing[k] = v
	}
	c.docs[id] = existing

	if found {
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{UpsertedCount: 1}, nil
}

func (c *fakeCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := filter.(bson.M)
	var matched []bson.M
	for _, doc := range c.docs {
		if matches(doc, f) {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ti, tj := updatedAt(matched[i]), updatedAt(matched[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return matched[i]["id"].(string) < matched[j]["id"].(string)
	})
	if len(opts) > 0 && opts[0].Limit != nil && int(*opts[0].Limit) < len(matched) {
		matched = matched[:*opts[0].Limit]
	}
	return &fakeCursor{docs: matched, pos: -1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: c}
}

func matches(doc bson.M, f bson.M) bool {
	if sc, ok := f["scenario"]; ok && doc["scenario"] != sc {
		return false
	}
	id, _ := doc["id"].(string)
	if cond, ok := f["id"].(bson.M); ok {
		if in, ok := cond["$in"].([]string); ok && !slices.Contains(in, id) {
			return false
		}
		if nin, ok := cond["$nin"].([]string); ok && slices.Contains(nin, id) {
			return false
		}
	}
	if cond, ok := f["status"].(bson.M); ok {
		st, _ := doc["status"].(string)
		if in, ok := cond["$in"].([]string); ok && !slices.Contains(in, st) {
			return false
		}
	}
	return true
}

func updatedAt(doc bson.M) time.Time {
	switch v := doc["updated_at"].(type) {
	case time.Time:
		return v
	case interface{ Time() time.Time }:
		return v.Time()
	}
	return time.Time{}
}

func toM(v any) (bson.M, error) {
	if v == nil {
		return bson.M{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type fakeCursor struct {
	docs []bson.M
	pos  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.pos++
	return c.pos < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Err() error                      { return nil }
func (c *fakeCursor) Close(ctx context.Context) error { return nil }

type fakeIndexView struct {
	parent *fakeCollection
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	keys := model.Keys.(bson.D)
	if len(keys) == 0 {
		return "", errors.New("missing keys")
	}
	v.parent.indexes = append(v.parent.indexes, keys[0].Key)
	return keys[0].Key + "_idx", nil
}
