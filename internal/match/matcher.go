// Package match links freshly ingested activities to the planned session they
// most plausibly fulfil.
package match

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/reconcile"
)

// candidateLimit bounds matcher cost per activity.
const candidateLimit = 25

// SessionStore captures the persistence operations the matcher needs.
type SessionStore interface {
	ListCandidateSessions(ctx context.Context, athleteID string, discipline domain.Discipline, fromDay, toDay string, limit int) ([]domain.PlannedSession, error)
	LinkActivity(ctx context.Context, activityID, sessionID string, status domain.SessionStatus) error
}

// Option configures optional behaviour for the Matcher.
type Option func(*Matcher)

// WithLogger overrides the logger used to report match decisions.
func WithLogger(logger *log.Logger) Option {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// Matcher selects and links the best planned session for an activity.
type Matcher struct {
	store  SessionStore
	logger *log.Logger
}

// NewMatcher constructs a Matcher.
func NewMatcher(store SessionStore, opts ...Option) *Matcher {
	m := &Matcher{
		store:  store,
		logger: log.New(log.Writer(), "[match] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindAndLink searches nearby planned sessions for the activity's athlete and
// discipline and, when one wins, links it and sets its status in a single
// transaction. An activity that is already linked, or for which no candidate
// survives, is left untouched; neither case is an error.
func (m *Matcher) FindAndLink(ctx context.Context, act *domain.IngestedActivity) (*domain.PlannedSession, error) {
	if act.SessionID != nil {
		return nil, nil
	}

	day, err := time.Parse("2006-01-02", act.LocalDayKey)
	if err != nil {
		return nil, fmt.Errorf("invalid local day key %q: %w", act.LocalDayKey, err)
	}
	fromDay := day.AddDate(0, 0, -1).Format("2006-01-02")
	toDay := day.AddDate(0, 0, 1).Format("2006-01-02")

	candidates, err := m.store.ListCandidateSessions(ctx, act.AthleteID, act.Discipline, fromDay, toDay, candidateLimit)
	if err != nil {
		return nil, err
	}

	best := Best(*act, candidates)
	if best == nil {
		return nil, nil
	}

	status := reconcile.StatusOnLink(act.ConfirmedAt != nil)
	if err := m.store.LinkActivity(ctx, act.ID, best.ID, status); err != nil {
		return nil, err
	}

	act.SessionID = &best.ID
	best.Status = status
	m.logger.Printf("linked activity %s/%s to session %s (%s)", act.Source, act.ExternalID, best.ID, status)
	return best, nil
}

// Best selects the winning candidate for an activity. It is a pure function
// of its inputs: the same activity and candidate set always yield the same
// session, regardless of the order candidates arrive in.
//
// Ranking, in strict order: smaller local-day distance wins; among equals the
// planned start closest to the activity's local start wins; candidates without
// a planned time rank below timed ones but stay eligible; remaining ties go to
// the earliest planned time.
func Best(act domain.IngestedActivity, candidates []domain.PlannedSession) *domain.PlannedSession {
	if len(candidates) == 0 {
		return nil
	}

	ranked := make([]domain.PlannedSession, len(candidates))
	copy(ranked, candidates)

	sort.Slice(ranked, func(i, j int) bool {
		return rankLess(act, ranked[i], ranked[j])
	})
	return &ranked[0]
}

// rankLess reports whether a outranks b for the given activity.
func rankLess(act domain.IngestedActivity, a, b domain.PlannedSession) bool {
	da := dayDistance(act.LocalDayKey, a.Day)
	db := dayDistance(act.LocalDayKey, b.Day)
	if da != db {
		return da < db
	}

	switch {
	case a.PlannedMinute != nil && b.PlannedMinute == nil:
		return true
	case a.PlannedMinute == nil && b.PlannedMinute != nil:
		return false
	case a.PlannedMinute != nil && b.PlannedMinute != nil:
		distA := absInt(*a.PlannedMinute - act.LocalMinute)
		distB := absInt(*b.PlannedMinute - act.LocalMinute)
		if distA != distB {
			return distA < distB
		}
		if *a.PlannedMinute != *b.PlannedMinute {
			return *a.PlannedMinute < *b.PlannedMinute
		}
	}

	// Both timeless or identically timed: keep the comparison total so the
	// result never depends on input order.
	return a.ID < b.ID
}

// dayDistance returns the absolute calendar-day distance between two local
// day keys. Malformed keys rank last.
func dayDistance(aKey, bKey string) int {
	a, errA := time.Parse("2006-01-02", aKey)
	b, errB := time.Parse("2006-01-02", bKey)
	if errA != nil || errB != nil {
		return 1 << 16
	}
	days := int(b.Sub(a) / (24 * time.Hour))
	return absInt(days)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
