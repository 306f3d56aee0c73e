// Package sync drives the end-to-end pipeline: token refresh, activity fetch,
// ingestion, matching and reconciliation, across the three trigger sources
// (scheduled batch, provider webhook, on-demand poll).
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/ingest"
	"example.com/trainsync/internal/observability"
	"example.com/trainsync/internal/provider"
)

const (
	defaultLookbackDays = 14
	maxForceDays        = 30
	// webhookFallbackDays is the short bulk window used when an event type
	// does not support a targeted fetch.
	webhookFallbackDays = 2
)

// TokenSource keeps one athlete's access token usable.
type TokenSource interface {
	EnsureFreshToken(ctx context.Context, conn domain.ProviderConnection) (domain.ProviderConnection, error)
}

// Fetcher lists and fetches provider activities.
type Fetcher interface {
	ListActivities(ctx context.Context, accessToken string, since time.Time) ([]provider.RawActivity, error)
	GetActivity(ctx context.Context, accessToken, externalID string) (*provider.RawActivity, error)
}

// Ingestor persists raw activities idempotently.
type Ingestor interface {
	Ingest(ctx context.Context, athleteID string, raw provider.RawActivity, tz *time.Location) (*domain.IngestedActivity, ingest.Outcome, error)
}

// Linker matches activities to planned sessions.
type Linker interface {
	FindAndLink(ctx context.Context, act *domain.IngestedActivity) (*domain.PlannedSession, error)
}

// Sweeper runs the status self-heal pass for one athlete.
type Sweeper interface {
	ReconcileAthlete(ctx context.Context, athleteID string) error
}

// Notifier tells the scoring collaborator about new or updated completions.
type Notifier interface {
	ActivityChanged(athleteID string, startedAt time.Time)
}

// Store captures the persistence operations the orchestrator needs.
type Store interface {
	ListConnections(ctx context.Context, athleteIDs []string) ([]domain.ProviderConnection, error)
	GetConnectionByProviderAthlete(ctx context.Context, provider, providerAthleteID string) (*domain.ProviderConnection, error)
	AdvanceLastSync(ctx context.Context, athleteID, provider string, ts time.Time) error
	RecordSyncRun(ctx context.Context, run domain.SyncRun) error
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger used to report run progress.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock substitutes the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLookbackDays overrides the default batch-poll window.
func WithLookbackDays(days int) Option {
	return func(o *Orchestrator) {
		if days > 0 {
			o.lookbackDays = days
		}
	}
}

// WithSafetyBuffer overrides the buffer subtracted from every window start.
func WithSafetyBuffer(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.safetyBuffer = d
	}
}

// Orchestrator is the entry point for all three trigger sources. Athletes are
// processed sequentially; the summary is built as a fold over per-athlete
// reports, so the loop has no shared mutable state beyond it.
type Orchestrator struct {
	store        Store
	tokens       TokenSource
	fetcher      Fetcher
	pipeline     Ingestor
	matcher      Linker
	reconciler   Sweeper
	notifier     Notifier
	providerName string
	lookbackDays int
	safetyBuffer time.Duration
	logger       *log.Logger
	now          func() time.Time
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(store Store, tokens TokenSource, fetcher Fetcher, pipeline Ingestor, matcher Linker, reconciler Sweeper, notifier Notifier, providerName string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		tokens:       tokens,
		fetcher:      fetcher,
		pipeline:     pipeline,
		matcher:      matcher,
		reconciler:   reconciler,
		notifier:     notifier,
		providerName: providerName,
		lookbackDays: defaultLookbackDays,
		safetyBuffer: time.Hour,
		logger:       log.New(log.Writer(), "[sync] ", log.LstdFlags),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BatchRequest scopes a bulk poll.
type BatchRequest struct {
	// AthleteIDs restricts the run; empty means every connected athlete.
	AthleteIDs []string
	// ForceDays overrides the lookback window, clamped to [1,30].
	ForceDays int
}

// SyncBatch runs the scheduled/bulk poll. Per-athlete failures are recorded in
// the summary and the batch continues; a provider rate limit stops the
// remainder of the run; only a provider configuration error propagates.
func (o *Orchestrator) SyncBatch(ctx context.Context, req BatchRequest) (domain.SyncSummary, error) {
	conns, err := o.store.ListConnections(ctx, req.AthleteIDs)
	if err != nil {
		return domain.SyncSummary{}, err
	}
	return o.runPoll(ctx, "batch", conns, req.ForceDays)
}

// SyncOnDemand runs a user-triggered poll for one athlete.
func (o *Orchestrator) SyncOnDemand(ctx context.Context, athleteID string, forceDays int) (domain.SyncSummary, error) {
	conns, err := o.store.ListConnections(ctx, []string{athleteID})
	if err != nil {
		return domain.SyncSummary{}, err
	}
	if len(conns) == 0 {
		return domain.SyncSummary{}, fmt.Errorf("%w: athlete %s", domain.ErrConnectionNotFound, athleteID)
	}
	return o.runPoll(ctx, "ondemand", conns, forceDays)
}

func (o *Orchestrator) runPoll(ctx context.Context, trigger string, conns []domain.ProviderConnection, forceDays int) (domain.SyncSummary, error) {
	started := o.now().UTC()
	var summary domain.SyncSummary

	for _, conn := range conns {
		report, err := o.syncAthlete(ctx, conn, forceDays)
		if err != nil {
			if errors.Is(err, domain.ErrProviderConfig) {
				o.finishRun(ctx, trigger, started, summary)
				return summary, err
			}
			summary.RecordError(conn.AthleteID, err)
			athleteErrorCounter.Inc()
			if errors.Is(err, domain.ErrRateLimited) {
				// Do not amplify a provider-side throttle across the rest of
				// the batch; keep the partial summary.
				rateLimitCounter.Inc()
				o.logger.Printf("rate limited at athlete %s, aborting remainder of %s run", conn.AthleteID, trigger)
				break
			}
			continue
		}
		summary.Absorb(report)

		if err := o.store.AdvanceLastSync(ctx, conn.AthleteID, conn.Provider, started); err != nil {
			o.logger.Printf("failed to advance sync watermark for athlete %s: %v", conn.AthleteID, err)
		}
	}

	o.finishRun(ctx, trigger, started, summary)
	return summary, nil
}

// syncAthlete performs one athlete's full pass: refresh, fetch, ingest, match,
// sweep. Its error is the athlete's error; the caller decides batch policy.
func (o *Orchestrator) syncAthlete(ctx context.Context, conn domain.ProviderConnection, forceDays int) (domain.AthleteReport, error) {
	var report domain.AthleteReport

	tz := o.loadZone(conn)

	conn, err := o.tokens.EnsureFreshToken(ctx, conn)
	if err != nil {
		return report, err
	}

	since := o.windowStart(conn.LastSyncAt, forceDays)
	raws, err := o.fetcher.ListActivities(ctx, conn.AccessToken, since)
	if err != nil {
		return report, err
	}
	report.Fetched = len(raws)

	for _, raw := range raws {
		o.processActivity(ctx, conn.AthleteID, raw, tz, &report)
	}

	if err := o.reconciler.ReconcileAthlete(ctx, conn.AthleteID); err != nil {
		o.logger.Printf("reconcile sweep failed for athlete %s: %v", conn.AthleteID, err)
	}

	return report, nil
}

// processActivity ingests one raw activity and drives matching and the
// scoring notification. Failures here are logged, not returned: one broken
// activity must not discard the rest of the athlete's fetch.
func (o *Orchestrator) processActivity(ctx context.Context, athleteID string, raw provider.RawActivity, tz *time.Location, report *domain.AthleteReport) {
	act, outcome, err := o.pipeline.Ingest(ctx, athleteID, raw, tz)
	if err != nil {
		o.logger.Printf("ingest failed for athlete %s activity %d: %v", athleteID, raw.ID, err)
		return
	}
	activitiesCounter.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case ingest.OutcomeCreated:
		report.Created++
	case ingest.OutcomeUpdated:
		report.Updated++
	case ingest.OutcomeUnchanged:
		report.SkippedUnchanged++
		return
	case ingest.OutcomeSkipped:
		return
	}

	if act.SessionID == nil {
		session, err := o.matcher.FindAndLink(ctx, act)
		if err != nil {
			o.logger.Printf("matching failed for activity %s/%s: %v", act.Source, act.ExternalID, err)
		} else if session != nil {
			report.Matched++
		}
	}

	o.notifier.ActivityChanged(athleteID, act.StartedAt)
}

// WebhookEvent is the provider's push notification for one object.
type WebhookEvent struct {
	ObjectType string `json:"object_type"` // "activity" or "athlete"
	AspectType string `json:"aspect_type"` // "create", "update" or "delete"
	ObjectID   int64  `json:"object_id"`
	OwnerID    int64  `json:"owner_id"`
}

// targetedFetch reports whether the event names a single activity we can
// fetch directly instead of re-polling a window.
func (ev WebhookEvent) targetedFetch() bool {
	return ev.ObjectType == "activity" && (ev.AspectType == "create" || ev.AspectType == "update")
}

// HandleWebhookEvent ingests the single activity a webhook points at, falling
// back to a short bulk poll when the event type does not support a targeted
// fetch. The HTTP layer answers the provider before this completes.
func (o *Orchestrator) HandleWebhookEvent(ctx context.Context, ev WebhookEvent) (domain.SyncSummary, error) {
	started := o.now().UTC()
	var summary domain.SyncSummary

	conn, err := o.store.GetConnectionByProviderAthlete(ctx, o.providerName, strconv.FormatInt(ev.OwnerID, 10))
	if err != nil {
		return summary, err
	}

	if !ev.targetedFetch() {
		report, err := o.syncAthlete(ctx, *conn, webhookFallbackDays)
		if err != nil {
			summary.RecordError(conn.AthleteID, err)
			athleteErrorCounter.Inc()
			o.finishRun(ctx, "webhook", started, summary)
			return summary, err
		}
		summary.Absorb(report)
		if err := o.store.AdvanceLastSync(ctx, conn.AthleteID, conn.Provider, started); err != nil {
			o.logger.Printf("failed to advance sync watermark for athlete %s: %v", conn.AthleteID, err)
		}
		o.finishRun(ctx, "webhook", started, summary)
		return summary, nil
	}

	var report domain.AthleteReport
	err = func() error {
		fresh, err := o.tokens.EnsureFreshToken(ctx, *conn)
		if err != nil {
			return err
		}
		raw, err := o.fetcher.GetActivity(ctx, fresh.AccessToken, strconv.FormatInt(ev.ObjectID, 10))
		if err != nil {
			return err
		}
		report.Fetched = 1
		o.processActivity(ctx, fresh.AthleteID, *raw, o.loadZone(fresh), &report)
		if err := o.reconciler.ReconcileAthlete(ctx, fresh.AthleteID); err != nil {
			o.logger.Printf("reconcile sweep failed for athlete %s: %v", fresh.AthleteID, err)
		}
		return nil
	}()
	if err != nil {
		summary.RecordError(conn.AthleteID, err)
		athleteErrorCounter.Inc()
		o.finishRun(ctx, "webhook", started, summary)
		return summary, err
	}

	summary.Absorb(report)
	o.finishRun(ctx, "webhook", started, summary)
	return summary, nil
}

// windowStart computes the fetch window for one athlete. An explicit override
// re-scans the requested number of days regardless of the watermark; the
// default window starts at the later of the watermark and now minus the
// lookback. The safety buffer absorbs provider-side indexing lag.
func (o *Orchestrator) windowStart(lastSync *time.Time, forceDays int) time.Time {
	now := o.now().UTC()

	if forceDays > 0 {
		if forceDays > maxForceDays {
			forceDays = maxForceDays
		}
		return now.AddDate(0, 0, -forceDays).Add(-o.safetyBuffer)
	}

	start := now.AddDate(0, 0, -o.lookbackDays)
	if lastSync != nil && lastSync.After(start) {
		start = *lastSync
	}
	return start.Add(-o.safetyBuffer)
}

func (o *Orchestrator) loadZone(conn domain.ProviderConnection) *time.Location {
	if conn.TimeZone == "" {
		return time.UTC
	}
	tz, err := time.LoadLocation(conn.TimeZone)
	if err != nil {
		o.logger.Printf("unknown timezone %q for athlete %s, falling back to UTC", conn.TimeZone, conn.AthleteID)
		return time.UTC
	}
	return tz
}

func (o *Orchestrator) finishRun(ctx context.Context, trigger string, started time.Time, summary domain.SyncSummary) {
	ended := o.now().UTC()
	run := domain.SyncRun{
		Trigger:   trigger,
		Summary:   summary,
		StartedAt: started,
		EndedAt:   ended,
	}
	if err := o.store.RecordSyncRun(ctx, run); err != nil {
		o.logger.Printf("failed to record %s run audit row: %v", trigger, err)
	}
	runsCounter.WithLabelValues(trigger).Inc()
	observability.RecordSyncRun(ended)
	o.logger.Printf("%s run done: processed=%d fetched=%d created=%d updated=%d matched=%d unchanged=%d errors=%d",
		trigger, summary.AthletesProcessed, summary.Fetched, summary.Created, summary.Updated,
		summary.Matched, summary.SkippedUnchanged, len(summary.Errors))
}
