// Package reconcile keeps a planned session's status consistent with the
// confirmation state of its linked activity.
package reconcile

import (
	"context"
	"log"

	"example.com/trainsync/internal/domain"
)

// StatusOnLink is the target status when an activity is first linked to a
// session: confirmed matches complete the session outright, unconfirmed ones
// park it in the draft state until the athlete confirms.
func StatusOnLink(confirmed bool) domain.SessionStatus {
	if confirmed {
		return domain.StatusCompletedSynced
	}
	return domain.StatusCompletedSyncedDraft
}

// Next computes the self-heal transition for a linked session. The second
// return value reports whether a write is needed. Transitions are idempotent
// and safe to re-run; COMPLETED_MANUAL and SKIPPED are absorbing because they
// record explicit athlete action this engine must never override.
func Next(current domain.SessionStatus, confirmed bool) (domain.SessionStatus, bool) {
	switch current {
	case domain.StatusCompletedManual, domain.StatusSkipped:
		return current, false
	}

	if confirmed {
		if current != domain.StatusCompletedSynced {
			return domain.StatusCompletedSynced, true
		}
		return current, false
	}

	// An unconfirmed match must never look "done" to a coach.
	switch current {
	case domain.StatusPlanned, domain.StatusModified, domain.StatusCompletedSynced:
		return domain.StatusCompletedSyncedDraft, true
	}
	return current, false
}

// Store captures the persistence operations the reconciler needs.
type Store interface {
	ListLinkedSessions(ctx context.Context, athleteID string) ([]domain.LinkedSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// Option configures optional behaviour for the Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger used to report corrections.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// Reconciler applies the state machine to stored sessions.
type Reconciler struct {
	store  Store
	logger *log.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileAthlete sweeps every linked session of one athlete and corrects
// status drift. A failure on one session is logged and the sweep continues;
// the stale status is simply corrected on the next pass.
func (r *Reconciler) ReconcileAthlete(ctx context.Context, athleteID string) error {
	linked, err := r.store.ListLinkedSessions(ctx, athleteID)
	if err != nil {
		return err
	}

	for _, l := range linked {
		next, changed := Next(l.Session.Status, l.Confirmed)
		if !changed {
			continue
		}
		if err := r.store.UpdateSessionStatus(ctx, l.Session.ID, next); err != nil {
			r.logger.Printf("failed to correct session %s (%s -> %s): %v", l.Session.ID, l.Session.Status, next, err)
			continue
		}
		r.logger.Printf("corrected session %s: %s -> %s", l.Session.ID, l.Session.Status, next)
	}
	return nil
}
