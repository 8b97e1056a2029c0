package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/drewfead/triage/internal/store"
	"github.com/drewfead/triage/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "test:"), mr
}

func TestSessionStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.SessionStore {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(ctx, storetest.SampleDocument("sess-1", "telco-noc", now)))

	require.True(t, mr.Exists("test:session:sess-1"))
	members, err := mr.ZMembers("test:sessions:scenario:telco-noc")
	require.NoError(t, err)
	require.Equal(t, []string{"sess-1"}, members)

	score, err := mr.ZScore("test:sessions:updated", "sess-1")
	require.NoError(t, err)
	require.Equal(t, float64(now.UnixMilli()), score)
}

func TestScenarioChangeMovesIndex(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	doc := storetest.SampleDocument("sess-1", "telco-noc", now)
	require.NoError(t, s.Upsert(ctx, doc))
	doc.Scenario = "cloud-outage"
	require.NoError(t, s.Upsert(ctx, doc))

	old, _ := mr.ZMembers("test:sessions:scenario:telco-noc")
	require.Empty(t, old)

	docs, err := s.Query(ctx, store.Filter{Scenario: "cloud-outage"}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestQuerySkipsDanglingIndexEntries(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, storetest.SampleDocument("sess-1", "telco-noc", time.Now().UTC())))
	mr.Del("test:session:sess-1")

	docs, err := s.Query(ctx, store.Filter{}, 0)
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url", "")
	require.Error(t, err)
}
