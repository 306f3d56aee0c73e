package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/provider"
)

func testRaw() provider.RawActivity {
	return provider.RawActivity{
		ID:               999,
		Name:             "Morning Run",
		SportType:        "TrailRun",
		StartDate:        time.Date(2024, time.March, 1, 21, 0, 0, 0, time.UTC),
		ElapsedSec:       3600,
		DistanceM:        10000,
		AverageHeartRate: 152,
	}
}

func brisbane(t *testing.T) *time.Location {
	t.Helper()
	tz, err := time.LoadLocation("Australia/Brisbane")
	require.NoError(t, err)
	return tz
}

func TestIngestNormalizesIntoAthleteZone(t *testing.T) {
	store := newStubStore()
	pipeline := NewPipeline(store, "strava")

	act, outcome, err := pipeline.Ingest(context.Background(), "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	// 21:00Z on March 1st is 07:00 on March 2nd in Brisbane (UTC+10).
	require.Equal(t, "2024-03-02", act.LocalDayKey)
	require.Equal(t, 7*60, act.LocalMinute)
	require.Equal(t, domain.DisciplineRun, act.Discipline)
	require.Equal(t, "999", act.ExternalID)
	require.Equal(t, 3600, act.DurationSec)
	require.InDelta(t, 152, act.Metrics["average_heartrate"], 0.001)
}

func TestIngestIsIdempotent(t *testing.T) {
	store := newStubStore()
	pipeline := NewPipeline(store, "strava")
	ctx := context.Background()

	first, outcome, err := pipeline.Ingest(ctx, "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreated, outcome)

	second, outcome, err := pipeline.Ingest(ctx, "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, outcome)

	require.Equal(t, 1, store.creates)
	require.Equal(t, 0, store.updates)
	require.Equal(t, first.ID, second.ID, "second pass must resolve to the stored record")
	require.Len(t, store.byKey, 1)
}

func TestIngestReconcilesProviderEdit(t *testing.T) {
	store := newStubStore()
	pipeline := NewPipeline(store, "strava")
	ctx := context.Background()

	first, _, err := pipeline.Ingest(ctx, "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)

	edited := testRaw()
	edited.ElapsedSec = 4200

	second, outcome, err := pipeline.Ingest(ctx, "athlete-1", edited, brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)
	require.Equal(t, first.ID, second.ID, "provider edits must not mint a new identity")
	require.Equal(t, 4200, second.DurationSec)
	require.Equal(t, 1, store.updates)
}

func TestIngestPreservesFieldsOwnedElsewhere(t *testing.T) {
	store := newStubStore()
	pipeline := NewPipeline(store, "strava")
	ctx := context.Background()

	_, _, err := pipeline.Ingest(ctx, "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)

	notes := "felt strong"
	confirmed := time.Now().UTC()
	stored := store.byKey["strava/999"]
	stored.Notes = &notes
	stored.ConfirmedAt = &confirmed

	edited := testRaw()
	edited.DistanceM = 10500

	second, outcome, err := pipeline.Ingest(ctx, "athlete-1", edited, brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeUpdated, outcome)
	require.NotNil(t, second.Notes)
	require.Equal(t, notes, *second.Notes)
	require.NotNil(t, second.ConfirmedAt)
}

func TestIngestSkipsIncompleteRecords(t *testing.T) {
	store := newStubStore()
	pipeline := NewPipeline(store, "strava")
	ctx := context.Background()

	cases := map[string]provider.RawActivity{
		"missing id":       {StartDate: time.Now(), ElapsedSec: 60},
		"missing start":    {ID: 1, ElapsedSec: 60},
		"missing duration": {ID: 1, StartDate: time.Now()},
	}
	for name, raw := range cases {
		act, outcome, err := pipeline.Ingest(ctx, "athlete-1", raw, time.UTC)
		require.NoError(t, err, name)
		require.Equal(t, OutcomeSkipped, outcome, name)
		require.Nil(t, act, name)
	}
	require.Equal(t, 0, store.creates)
}

func TestIngestSurvivesConcurrentCreateRace(t *testing.T) {
	store := newStubStore()
	// Simulate the webhook winning the insert between this pass's failed
	// create and its fallback read.
	store.onCreate = func(act domain.IngestedActivity) error {
		cp := act
		cp.ID = "winner"
		store.byKey[act.Source+"/"+act.ExternalID] = &cp
		return fmt.Errorf("duplicate: %w", domain.ErrActivityExists)
	}

	pipeline := NewPipeline(store, "strava")
	act, outcome, err := pipeline.Ingest(context.Background(), "athlete-1", testRaw(), brisbane(t))
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, outcome)
	require.Equal(t, "winner", act.ID)
}

type stubStore struct {
	byKey    map[string]*domain.IngestedActivity
	creates  int
	updates  int
	onCreate func(domain.IngestedActivity) error
}

func newStubStore() *stubStore {
	return &stubStore{byKey: make(map[string]*domain.IngestedActivity)}
}

func (s *stubStore) CreateActivity(_ context.Context, act domain.IngestedActivity) error {
	if s.onCreate != nil {
		return s.onCreate(act)
	}
	key := act.Source + "/" + act.ExternalID
	if _, ok := s.byKey[key]; ok {
		return fmt.Errorf("duplicate: %w", domain.ErrActivityExists)
	}
	cp := act
	s.byKey[key] = &cp
	s.creates++
	return nil
}

func (s *stubStore) GetActivityByExternalID(_ context.Context, source, externalID string) (*domain.IngestedActivity, error) {
	stored, ok := s.byKey[source+"/"+externalID]
	if !ok {
		return nil, nil
	}
	cp := *stored
	return &cp, nil
}

func (s *stubStore) UpdateActivityCore(_ context.Context, act domain.IngestedActivity) error {
	stored, ok := s.byKey[act.Source+"/"+act.ExternalID]
	if !ok {
		return fmt.Errorf("activity %s not found", act.ID)
	}
	stored.Discipline = act.Discipline
	stored.StartedAt = act.StartedAt
	stored.LocalDayKey = act.LocalDayKey
	stored.LocalMinute = act.LocalMinute
	stored.DurationSec = act.DurationSec
	stored.DistanceM = act.DistanceM
	stored.Metrics = act.Metrics
	stored.UpdatedAt = act.UpdatedAt
	s.updates++
	return nil
}
