// Package ingest converts raw provider activities into normalized internal
// records and persists them exactly once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/provider"
)

// Outcome classifies what one Ingest call did.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
)

// Store captures the persistence operations the pipeline needs.
type Store interface {
	CreateActivity(ctx context.Context, act domain.IngestedActivity) error
	GetActivityByExternalID(ctx context.Context, source, externalID string) (*domain.IngestedActivity, error)
	UpdateActivityCore(ctx context.Context, act domain.IngestedActivity) error
}

// Option configures optional behaviour for the Pipeline.
type Option func(*Pipeline)

// WithLogger overrides the logger used to report ingestion events.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// Pipeline ingests raw provider activities idempotently.
type Pipeline struct {
	store  Store
	source string
	logger *log.Logger
	now    func() time.Time
}

// NewPipeline constructs a Pipeline writing records tagged with the given
// source provider name.
func NewPipeline(store Store, source string, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		source: source,
		logger: log.New(log.Writer(), "[ingest] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest normalizes one raw activity and persists it with create-then-
// fallback-to-update semantics. The storage layer's unique constraint on
// (source, external_id) is the serialization point; a concurrent insert by
// another trigger source degrades into the update path, never a duplicate.
func (p *Pipeline) Ingest(ctx context.Context, athleteID string, raw provider.RawActivity, tz *time.Location) (*domain.IngestedActivity, Outcome, error) {
	if raw.ID == 0 || raw.StartDate.IsZero() || raw.ElapsedSec <= 0 {
		return nil, OutcomeSkipped, nil
	}
	if tz == nil {
		tz = time.UTC
	}

	startedLocal := raw.StartDate.In(tz)
	now := p.now().UTC()

	candidate := domain.IngestedActivity{
		ID:          uuid.NewString(),
		AthleteID:   athleteID,
		Source:      p.source,
		ExternalID:  raw.ExternalID(),
		Discipline:  domain.ClassifyDiscipline(raw.SportType),
		StartedAt:   startedLocal,
		LocalDayKey: startedLocal.Format("2006-01-02"),
		LocalMinute: startedLocal.Hour()*60 + startedLocal.Minute(),
		DurationSec: raw.ElapsedSec,
		DistanceM:   raw.DistanceM,
		Metrics:     raw.MetricsPayload(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := p.store.CreateActivity(ctx, candidate)
	if err == nil {
		return &candidate, OutcomeCreated, nil
	}
	if !errors.Is(err, domain.ErrActivityExists) {
		return nil, "", fmt.Errorf("failed to create activity %s/%s: %w", p.source, candidate.ExternalID, err)
	}

	// A prior or concurrent pass already owns this external id; reconcile
	// against the stored record instead.
	existing, err := p.store.GetActivityByExternalID(ctx, p.source, candidate.ExternalID)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", fmt.Errorf("activity %s/%s vanished after unique violation", p.source, candidate.ExternalID)
	}

	if !existing.CoreChanged(candidate.StartedAt, candidate.DurationSec, candidate.DistanceM) {
		return existing, OutcomeUnchanged, nil
	}

	existing.Discipline = candidate.Discipline
	existing.StartedAt = candidate.StartedAt
	existing.LocalDayKey = candidate.LocalDayKey
	existing.LocalMinute = candidate.LocalMinute
	existing.DurationSec = candidate.DurationSec
	existing.DistanceM = candidate.DistanceM
	existing.Metrics = candidate.Metrics
	existing.UpdatedAt = now

	if err := p.store.UpdateActivityCore(ctx, *existing); err != nil {
		return nil, "", fmt.Errorf("failed to update activity %s/%s: %w", p.source, candidate.ExternalID, err)
	}
	p.logger.Printf("reconciled provider edit for %s/%s", p.source, candidate.ExternalID)
	return existing, OutcomeUpdated, nil
}
