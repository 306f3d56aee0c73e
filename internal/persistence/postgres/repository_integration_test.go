//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/trainsync/internal/domain"
)

func setupRepository(t *testing.T, ctx context.Context) *Repository {
	t.Helper()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("trainsync"),
		postgrescontainer.WithUsername("trainsync"),
		postgrescontainer.WithPassword("trainsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewRepository(pool)
}

func testActivity(athleteID, externalID string) domain.IngestedActivity {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.IngestedActivity{
		ID:          uuid.NewString(),
		AthleteID:   athleteID,
		Source:      "strava",
		ExternalID:  externalID,
		Discipline:  domain.DisciplineRun,
		StartedAt:   now.Add(-time.Hour),
		LocalDayKey: "2024-03-02",
		LocalMinute: 7 * 60,
		DurationSec: 3600,
		DistanceM:   10000,
		Metrics:     map[string]float64{"average_heartrate": 152},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func seedSession(t *testing.T, ctx context.Context, repo *Repository, athleteID, day string, plannedMinute *int, status domain.SessionStatus) string {
	t.Helper()
	id := uuid.NewString()
	_, err := repo.pool.Exec(ctx,
		`INSERT INTO planned_sessions (session_id, athlete_id, discipline, day, planned_minute, status) VALUES ($1,$2,$3,$4,$5,$6)`,
		id, athleteID, domain.DisciplineRun, day, plannedMinute, status)
	require.NoError(t, err)
	return id
}

func seedConnection(t *testing.T, ctx context.Context, repo *Repository, athleteID, providerAthleteID string) {
	t.Helper()
	_, err := repo.pool.Exec(ctx,
		`INSERT INTO provider_connections (athlete_id, provider, provider_athlete_id, access_token, refresh_token, expires_at, time_zone)
         VALUES ($1,'strava',$2,'access','refresh',NOW() + INTERVAL '1 hour','Australia/Brisbane')`,
		athleteID, providerAthleteID)
	require.NoError(t, err)
}

func TestActivityIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	act := testActivity("athlete-1", "999")
	require.NoError(t, repo.CreateActivity(ctx, act))

	// A second insert under the same (source, external_id) collides on the
	// unique constraint regardless of the surrogate id.
	dup := testActivity("athlete-1", "999")
	err := repo.CreateActivity(ctx, dup)
	require.ErrorIs(t, err, domain.ErrActivityExists)

	stored, err := repo.GetActivityByExternalID(ctx, "strava", "999")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, act.ID, stored.ID)
	require.InDelta(t, 152, stored.Metrics["average_heartrate"], 0.001)

	missing, err := repo.GetActivityByExternalID(ctx, "strava", "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestUpdateActivityCorePreservesOwnership(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	act := testActivity("athlete-1", "999")
	require.NoError(t, repo.CreateActivity(ctx, act))

	notes := "felt strong"
	_, err := repo.pool.Exec(ctx,
		`UPDATE ingested_activities SET notes=$2, confirmed_at=NOW() WHERE activity_id=$1`, act.ID, notes)
	require.NoError(t, err)

	act.DurationSec = 4200
	act.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.UpdateActivityCore(ctx, act))

	stored, err := repo.GetActivityByExternalID(ctx, "strava", "999")
	require.NoError(t, err)
	require.Equal(t, 4200, stored.DurationSec)
	require.NotNil(t, stored.Notes, "core update must not clear notes")
	require.Equal(t, notes, *stored.Notes)
	require.NotNil(t, stored.ConfirmedAt, "core update must not clear confirmation")
}

func TestListCandidateSessionsOrderingAndFiltering(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	minute := func(v int) *int { return &v }
	timeless := seedSession(t, ctx, repo, "athlete-1", "2024-03-02", nil, domain.StatusPlanned)
	morning := seedSession(t, ctx, repo, "athlete-1", "2024-03-02", minute(7*60), domain.StatusPlanned)
	evening := seedSession(t, ctx, repo, "athlete-1", "2024-03-02", minute(18*60), domain.StatusModified)
	prevDay := seedSession(t, ctx, repo, "athlete-1", "2024-03-01", minute(7*60), domain.StatusPlanned)

	// Never matchable: wrong status, wrong athlete, out of window.
	seedSession(t, ctx, repo, "athlete-1", "2024-03-02", minute(9*60), domain.StatusCompletedManual)
	seedSession(t, ctx, repo, "athlete-2", "2024-03-02", minute(9*60), domain.StatusPlanned)
	seedSession(t, ctx, repo, "athlete-1", "2024-03-10", minute(9*60), domain.StatusPlanned)

	sessions, err := repo.ListCandidateSessions(ctx, "athlete-1", domain.DisciplineRun, "2024-03-01", "2024-03-03", 25)
	require.NoError(t, err)

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	require.Equal(t, []string{prevDay, morning, evening, timeless}, ids,
		"candidates order by day then planned time with untimed sessions last")
}

func TestLinkActivityIsTransactional(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	minute := 7 * 60
	sessionID := seedSession(t, ctx, repo, "athlete-1", "2024-03-02", &minute, domain.StatusPlanned)

	act := testActivity("athlete-1", "999")
	require.NoError(t, repo.CreateActivity(ctx, act))

	require.NoError(t, repo.LinkActivity(ctx, act.ID, sessionID, domain.StatusCompletedSyncedDraft))

	stored, err := repo.GetActivityByExternalID(ctx, "strava", "999")
	require.NoError(t, err)
	require.NotNil(t, stored.SessionID)
	require.Equal(t, sessionID, *stored.SessionID)

	linked, err := repo.ListLinkedSessions(ctx, "athlete-1")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	require.Equal(t, sessionID, linked[0].Session.ID)
	require.Equal(t, domain.StatusCompletedSyncedDraft, linked[0].Session.Status)
	require.False(t, linked[0].Confirmed)

	// Linking against a vanished session leaves the activity untouched.
	other := testActivity("athlete-1", "1000")
	require.NoError(t, repo.CreateActivity(ctx, other))
	err = repo.LinkActivity(ctx, other.ID, uuid.NewString(), domain.StatusCompletedSyncedDraft)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	stored, err = repo.GetActivityByExternalID(ctx, "strava", "1000")
	require.NoError(t, err)
	require.Nil(t, stored.SessionID)
}

func TestUpdateSessionStatus(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	sessionID := seedSession(t, ctx, repo, "athlete-1", "2024-03-02", nil, domain.StatusCompletedSyncedDraft)
	require.NoError(t, repo.UpdateSessionStatus(ctx, sessionID, domain.StatusCompletedSynced))

	err := repo.UpdateSessionStatus(ctx, uuid.NewString(), domain.StatusCompletedSynced)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestConnectionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	seedConnection(t, ctx, repo, "athlete-1", "11111")
	seedConnection(t, ctx, repo, "athlete-2", "22222")

	all, err := repo.ListConnections(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	filtered, err := repo.ListConnections(ctx, []string{"athlete-2"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "athlete-2", filtered[0].AthleteID)
	require.Equal(t, "Australia/Brisbane", filtered[0].TimeZone)
	require.Nil(t, filtered[0].LastSyncAt)

	byOwner, err := repo.GetConnectionByProviderAthlete(ctx, "strava", "11111")
	require.NoError(t, err)
	require.Equal(t, "athlete-1", byOwner.AthleteID)

	_, err = repo.GetConnectionByProviderAthlete(ctx, "strava", "33333")
	require.ErrorIs(t, err, domain.ErrConnectionNotFound)

	refreshed := *byOwner
	refreshed.AccessToken = "new-access"
	refreshed.RefreshToken = "new-refresh"
	refreshed.ExpiresAt = time.Now().UTC().Add(6 * time.Hour).Truncate(time.Millisecond)
	require.NoError(t, repo.UpdateConnectionTokens(ctx, refreshed))

	watermark := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.AdvanceLastSync(ctx, "athlete-1", "strava", watermark))

	stored, err := repo.GetConnectionByProviderAthlete(ctx, "strava", "11111")
	require.NoError(t, err)
	require.Equal(t, "new-access", stored.AccessToken)
	require.NotNil(t, stored.LastSyncAt)
	require.True(t, stored.LastSyncAt.Equal(watermark))
}

func TestSyncRunAudit(t *testing.T) {
	ctx := context.Background()
	repo := setupRepository(t, ctx)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		run := domain.SyncRun{
			Trigger: "batch",
			Summary: domain.SyncSummary{
				AthletesProcessed: i + 1,
				Fetched:           10 * (i + 1),
				Errors:            []domain.AthleteError{{AthleteID: "athlete-x", Message: "rate limited"}},
			},
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		require.NoError(t, repo.RecordSyncRun(ctx, run))
	}

	runs, err := repo.ListSyncRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, 3, runs[0].Summary.AthletesProcessed, "newest run first")
	require.Equal(t, 2, runs[1].Summary.AthletesProcessed)
	require.Len(t, runs[0].Summary.Errors, 1)
	require.Equal(t, "athlete-x", runs[0].Summary.Errors[0].AthleteID)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
