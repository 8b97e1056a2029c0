// Package storetest is a conformance suite run against every SessionStore
// backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the caller's business
// (t.Cleanup inside the factory).
type Factory func(t *testing.T) store.SessionStore

// Run exercises the SessionStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("RoundTripPreservesVisualizations", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		doc := SampleDocument("sess-roundtrip", "telco-noc", time.Now().UTC())

		require.NoError(t, s.Upsert(ctx, doc))

		got, err := store.Get(ctx, s, doc.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, doc.Status, got.Status)
		require.Equal(t, doc.Diagnosis, got.Diagnosis)
		require.Len(t, got.Steps, len(doc.Steps))
		for i := range doc.Steps {
			require.Equal(t, doc.Steps[i].Step, got.Steps[i].Step)
			require.Equal(t, doc.Steps[i].Agent, got.Steps[i].Agent)
			require.Len(t, got.Steps[i].Visualizations, len(doc.Steps[i].Visualizations))
			for j, want := range doc.Steps[i].Visualizations {
				have := got.Steps[i].Visualizations[j]
				require.Equal(t, want.Type, have.Type)
				require.Equal(t, want.Data.Query, have.Data.Query)
				require.Equal(t, want.Data.Columns, have.Data.Columns)
				require.Equal(t, want.Data.Truncated, have.Data.Truncated)
				require.Equal(t, want.Data.Citations, have.Data.Citations)
				require.Len(t, have.Data.Rows, len(want.Data.Rows))
				for k, row := range want.Data.Rows {
					for col, v := range row {
						require.EqualValues(t, v, have.Data.Rows[k][col], "row %d column %s", k, col)
					}
				}
			}
		}
		require.Equal(t, doc.RunMeta, got.RunMeta)
		require.WithinDuration(t, doc.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now().UTC()
		doc := SampleDocument("sess-idem", "telco-noc", now)

		require.NoError(t, s.Upsert(ctx, doc))
		require.NoError(t, s.Upsert(ctx, doc))

		updated := SampleDocument("sess-idem", "telco-noc", now)
		updated.Diagnosis = "revised diagnosis"
		updated.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.Upsert(ctx, updated))

		docs, err := s.Query(ctx, store.Filter{}, 0)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "revised diagnosis", docs[0].Diagnosis)
		require.WithinDuration(t, now, docs[0].CreatedAt, time.Millisecond)
	})

	t.Run("QueryFiltersAndOrders", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		a := SampleDocument("sess-a", "telco-noc", base)
		b := SampleDocument("sess-b", "telco-noc", base.Add(2*time.Second))
		c := SampleDocument("sess-c", "cloud-outage", base.Add(time.Second))
		c.Status = session.StatusFailed
		for _, d := range []*session.Document{a, b, c} {
			require.NoError(t, s.Upsert(ctx, d))
		}

		all, err := s.Query(ctx, store.Filter{}, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"sess-b", "sess-c", "sess-a"}, ids(all))

		noc, err := s.Query(ctx, store.Filter{Scenario: "telco-noc"}, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"sess-b", "sess-a"}, ids(noc))

		limited, err := s.Query(ctx, store.Filter{}, 2)
		require.NoError(t, err)
		require.Equal(t, []string{"sess-b", "sess-c"}, ids(limited))

		excluded, err := s.Query(ctx, store.Filter{ExcludeIDs: []string{"sess-b"}}, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"sess-c", "sess-a"}, ids(excluded))

		failed, err := s.Query(ctx, store.Filter{Statuses: []session.Status{session.StatusFailed}}, 0)
		require.NoError(t, err)
		require.Equal(t, []string{"sess-c"}, ids(failed))
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		got, err := store.Get(context.Background(), s, "missing")
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("RejectsEmptyID", func(t *testing.T) {
		s := newStore(t)
		err := s.Upsert(context.Background(), &session.Document{})
		require.ErrorIs(t, err, store.ErrInvalidDocument)
	})
}

// SampleDocument builds a completed fibre-cut investigation with graph,
// table and documents payloads.
func SampleDocument(id, scenario string, at time.Time) *session.Document {
	return &session.Document{
		ID:        id,
		Scenario:  scenario,
		InputText: "14:31:14.139 CRITICAL VPN-ACME-CORP SERVICE_DEGRADATION: Fibre cut on Sydney-Melbourne corridor",
		Status:    session.StatusCompleted,
		Steps: []session.Step{
			{
				Step: 1, Agent: "GraphExplorerAgent", Duration: 3.25,
				Query:    "MATCH (l:TransportLink) RETURN l",
				Response: "Primary link is down.",
				Visualizations: []session.Visualization{{
					Type: session.VizGraph,
					Data: session.VizData{
						Columns: []session.Column{{Name: "LinkId", Type: "string"}, {Name: "Capacity", Type: "int"}},
						Rows:    []map[string]any{{"LinkId": "LINK-SYD-MEL-FIBRE-01", "Capacity": 100}},
						Query:   "MATCH (l:TransportLink) RETURN l",
					},
				}},
			},
			{
				Step: 2, Agent: "TelemetryAgent", Duration: 1.5,
				Query:    "LinkTelemetry | where LinkId == 'LINK-SYD-MEL-FIBRE-01'",
				Response: "Optical power dropped to -40 dBm.",
				Visualizations: []session.Visualization{{
					Type: session.VizTable,
					Data: session.VizData{
						Columns:   []session.Column{{Name: "OpticalPowerDbm"}},
						Rows:      []map[string]any{{"OpticalPowerDbm": -40.0}},
						Query:     "LinkTelemetry | take 1",
						Truncated: true,
						TotalRows: 900,
					},
				}},
			},
			{
				Step: 3, Agent: "RunbookKBAgent", Duration: 2,
				Response: "Follow RB-112.",
				Visualizations: []session.Visualization{{
					Type: session.VizDocuments,
					Data: session.VizData{
						Content:   "Follow RB-112 for fibre cuts.",
						Citations: []session.Citation{{Index: 1, Source: "runbook-fibre.md"}},
						Agent:     "RunbookKBAgent",
					},
				}},
			},
		},
		Diagnosis: "Fibre cut on LINK-SYD-MEL-FIBRE-01; traffic failed over to the secondary path.",
		RunMeta:   session.RunMeta{Steps: 3, Attempts: 1, ElapsedSeconds: 12.5, TotalTokens: 4200},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func ids(docs []*session.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
