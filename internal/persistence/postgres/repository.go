// Package postgres provides Postgres-backed persistence for the sync engine.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/observability"
)

// uniqueViolation is the Postgres SQLSTATE raised when an insert collides with
// a unique constraint. It is the serialization point for concurrent ingestion.
const uniqueViolation = "23505"

// Repository provides persistence for connections, activities, sessions and
// sync-run audit rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const activityColumns = `activity_id, athlete_id, source, external_id, discipline, started_at,
        local_day_key, local_minute, duration_sec, distance_m, metrics, session_id, confirmed_at, notes, created_at, updated_at`

func scanActivity(row pgx.Row) (*domain.IngestedActivity, error) {
	var act domain.IngestedActivity
	var metrics []byte
	if err := row.Scan(&act.ID, &act.AthleteID, &act.Source, &act.ExternalID, &act.Discipline, &act.StartedAt,
		&act.LocalDayKey, &act.LocalMinute, &act.DurationSec, &act.DistanceM, &metrics,
		&act.SessionID, &act.ConfirmedAt, &act.Notes, &act.CreatedAt, &act.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &act.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics payload: %w", err)
		}
	}
	return &act, nil
}

// CreateActivity inserts a new activity record. A collision on the
// (source, external_id) unique constraint is reported as
// domain.ErrActivityExists so the caller can fall back to a read.
func (r *Repository) CreateActivity(ctx context.Context, act domain.IngestedActivity) error {
	metrics, err := json.Marshal(act.Metrics)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO ingested_activities (activity_id, athlete_id, source, external_id, discipline, started_at,
        local_day_key, local_minute, duration_sec, distance_m, metrics, session_id, confirmed_at, notes, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err = r.pool.Exec(ctx, stmt,
		act.ID,
		act.AthleteID,
		act.Source,
		act.ExternalID,
		act.Discipline,
		act.StartedAt,
		act.LocalDayKey,
		act.LocalMinute,
		act.DurationSec,
		act.DistanceM,
		metrics,
		act.SessionID,
		act.ConfirmedAt,
		act.Notes,
		act.CreatedAt,
		act.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s/%s", domain.ErrActivityExists, act.Source, act.ExternalID)
		}
		return err
	}
	observability.RecordActivityIngested(act.UpdatedAt)
	return nil
}

// GetActivityByExternalID loads the record stored under the idempotency key.
func (r *Repository) GetActivityByExternalID(ctx context.Context, source, externalID string) (*domain.IngestedActivity, error) {
	query := `SELECT ` + activityColumns + ` FROM ingested_activities WHERE source=$1 AND external_id=$2`

	act, err := scanActivity(r.pool.QueryRow(ctx, query, source, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return act, nil
}

// UpdateActivityCore rewrites the provider-owned fields of an existing record
// after a provider-side edit. Notes, confirmation and the session link belong
// to other collaborators and are left untouched.
func (r *Repository) UpdateActivityCore(ctx context.Context, act domain.IngestedActivity) error {
	metrics, err := json.Marshal(act.Metrics)
	if err != nil {
		return err
	}

	const stmt = `UPDATE ingested_activities
        SET discipline=$2, started_at=$3, local_day_key=$4, local_minute=$5, duration_sec=$6, distance_m=$7, metrics=$8, updated_at=$9
        WHERE activity_id=$1`

	tag, err := r.pool.Exec(ctx, stmt,
		act.ID,
		act.Discipline,
		act.StartedAt,
		act.LocalDayKey,
		act.LocalMinute,
		act.DurationSec,
		act.DistanceM,
		metrics,
		act.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activity %s not found for core update", act.ID)
	}
	observability.RecordActivityIngested(act.UpdatedAt)
	return nil
}

// ListCandidateSessions returns matchable sessions for one athlete and
// discipline between two local day keys, ordered by day then planned time with
// untimed sessions last, capped at limit.
func (r *Repository) ListCandidateSessions(ctx context.Context, athleteID string, discipline domain.Discipline, fromDay, toDay string, limit int) ([]domain.PlannedSession, error) {
	const query = `SELECT session_id, athlete_id, discipline, day, planned_minute, status, created_at, updated_at
        FROM planned_sessions
        WHERE athlete_id=$1 AND discipline=$2 AND day BETWEEN $3 AND $4 AND status = ANY($5)
        ORDER BY day, planned_minute NULLS LAST, session_id
        LIMIT $6`

	statuses := []string{string(domain.StatusPlanned), string(domain.StatusModified)}
	rows, err := r.pool.Query(ctx, query, athleteID, discipline, fromDay, toDay, statuses, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.PlannedSession, 0, limit)
	for rows.Next() {
		var s domain.PlannedSession
		if err := rows.Scan(&s.ID, &s.AthleteID, &s.Discipline, &s.Day, &s.PlannedMinute, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LinkActivity sets the activity's back-reference and the session's status in
// a single transaction so the forward and reverse links always agree.
func (r *Repository) LinkActivity(ctx context.Context, activityID, sessionID string, status domain.SessionStatus) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `UPDATE planned_sessions SET status=$2, updated_at=$3 WHERE session_id=$1`, sessionID, status, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}

	if _, err := tx.Exec(ctx, `UPDATE ingested_activities SET session_id=$2, updated_at=$3 WHERE activity_id=$1`, activityID, sessionID, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpdateSessionStatus applies a reconciler transition to one session.
func (r *Repository) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE planned_sessions SET status=$2, updated_at=$3 WHERE session_id=$1`,
		sessionID, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return nil
}

// ListLinkedSessions loads every session of an athlete that has an activity
// pointing back at it, together with the activity's confirmation state, for
// the self-heal sweep.
func (r *Repository) ListLinkedSessions(ctx context.Context, athleteID string) ([]domain.LinkedSession, error) {
	const query = `SELECT s.session_id, s.athlete_id, s.discipline, s.day, s.planned_minute, s.status, s.created_at, s.updated_at,
            a.activity_id, a.confirmed_at IS NOT NULL
        FROM planned_sessions s
        JOIN ingested_activities a ON a.session_id = s.session_id
        WHERE s.athlete_id = $1`

	rows, err := r.pool.Query(ctx, query, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	linked := make([]domain.LinkedSession, 0)
	for rows.Next() {
		var l domain.LinkedSession
		if err := rows.Scan(&l.Session.ID, &l.Session.AthleteID, &l.Session.Discipline, &l.Session.Day,
			&l.Session.PlannedMinute, &l.Session.Status, &l.Session.CreatedAt, &l.Session.UpdatedAt,
			&l.ActivityID, &l.Confirmed); err != nil {
			return nil, err
		}
		linked = append(linked, l)
	}
	return linked, rows.Err()
}

// ListConnections returns provider connections, optionally restricted to a set
// of athletes. A nil or empty filter returns every connection.
func (r *Repository) ListConnections(ctx context.Context, athleteIDs []string) ([]domain.ProviderConnection, error) {
	query := `SELECT athlete_id, provider, provider_athlete_id, access_token, refresh_token, expires_at, scope, time_zone, last_sync_at
        FROM provider_connections`
	args := []interface{}{}
	if len(athleteIDs) > 0 {
		query += ` WHERE athlete_id = ANY($1)`
		args = append(args, athleteIDs)
	}
	query += ` ORDER BY athlete_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conns := make([]domain.ProviderConnection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// GetConnectionByProviderAthlete resolves the connection a webhook event
// belongs to from the provider-side athlete id.
func (r *Repository) GetConnectionByProviderAthlete(ctx context.Context, provider, providerAthleteID string) (*domain.ProviderConnection, error) {
	const query = `SELECT athlete_id, provider, provider_athlete_id, access_token, refresh_token, expires_at, scope, time_zone, last_sync_at
        FROM provider_connections WHERE provider=$1 AND provider_athlete_id=$2`

	conn, err := scanConnection(r.pool.QueryRow(ctx, query, provider, providerAthleteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s athlete %s", domain.ErrConnectionNotFound, provider, providerAthleteID)
		}
		return nil, err
	}
	return conn, nil
}

func scanConnection(row pgx.Row) (*domain.ProviderConnection, error) {
	var conn domain.ProviderConnection
	var expiresAt *time.Time
	if err := row.Scan(&conn.AthleteID, &conn.Provider, &conn.ProviderAthleteID, &conn.AccessToken, &conn.RefreshToken,
		&expiresAt, &conn.Scope, &conn.TimeZone, &conn.LastSyncAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		conn.ExpiresAt = *expiresAt
	}
	return &conn, nil
}

// UpdateConnectionTokens persists a refreshed token triple plus scope. Only
// the token manager calls this.
func (r *Repository) UpdateConnectionTokens(ctx context.Context, conn domain.ProviderConnection) error {
	const stmt = `UPDATE provider_connections
        SET access_token=$3, refresh_token=$4, expires_at=$5, scope=$6
        WHERE athlete_id=$1 AND provider=$2`

	tag, err := r.pool.Exec(ctx, stmt, conn.AthleteID, conn.Provider, conn.AccessToken, conn.RefreshToken, conn.ExpiresAt, conn.Scope)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: athlete %s", domain.ErrConnectionNotFound, conn.AthleteID)
	}
	return nil
}

// AdvanceLastSync moves a connection's watermark forward after a successful
// per-athlete pass, so the next poll does not re-scan the whole window.
func (r *Repository) AdvanceLastSync(ctx context.Context, athleteID, provider string, ts time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE provider_connections SET last_sync_at=$3 WHERE athlete_id=$1 AND provider=$2`,
		athleteID, provider, ts)
	return err
}

// RecordSyncRun persists the audit row for one orchestrator run.
func (r *Repository) RecordSyncRun(ctx context.Context, run domain.SyncRun) error {
	errPayload, err := json.Marshal(run.Summary.Errors)
	if err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	const stmt = `INSERT INTO sync_runs (run_id, trigger_source, athletes_processed, fetched, created, updated, matched, skipped_unchanged, errors, started_at, ended_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = r.pool.Exec(ctx, stmt,
		run.ID,
		run.Trigger,
		run.Summary.AthletesProcessed,
		run.Summary.Fetched,
		run.Summary.Created,
		run.Summary.Updated,
		run.Summary.Matched,
		run.Summary.SkippedUnchanged,
		errPayload,
		run.StartedAt,
		run.EndedAt,
	)
	return err
}

// ListSyncRuns returns the most recent audit rows.
func (r *Repository) ListSyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error) {
	const query = `SELECT run_id, trigger_source, athletes_processed, fetched, created, updated, matched, skipped_unchanged, errors, started_at, ended_at
        FROM sync_runs ORDER BY started_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.SyncRun, 0, limit)
	for rows.Next() {
		var run domain.SyncRun
		var errPayload []byte
		if err := rows.Scan(&run.ID, &run.Trigger, &run.Summary.AthletesProcessed, &run.Summary.Fetched,
			&run.Summary.Created, &run.Summary.Updated, &run.Summary.Matched, &run.Summary.SkippedUnchanged,
			&errPayload, &run.StartedAt, &run.EndedAt); err != nil {
			return nil, err
		}
		if len(errPayload) > 0 {
			if err := json.Unmarshal(errPayload, &run.Summary.Errors); err != nil {
				return nil, err
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
