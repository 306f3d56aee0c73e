package domain

import "time"

// SessionStatus is the lifecycle state of a planned session. The reconciler is
// the only actor allowed to move a session into or out of the two
// COMPLETED_SYNCED* states.
type SessionStatus string

const (
	StatusPlanned              SessionStatus = "PLANNED"
	StatusModified             SessionStatus = "MODIFIED"
	StatusCompletedSyncedDraft SessionStatus = "COMPLETED_SYNCED_DRAFT"
	StatusCompletedSynced      SessionStatus = "COMPLETED_SYNCED"
	StatusCompletedManual      SessionStatus = "COMPLETED_MANUAL"
	StatusSkipped              SessionStatus = "SKIPPED"
)

// PlannedSession is a coach- or athlete-authored unit of training for one day.
type PlannedSession struct {
	ID            string
	AthleteID     string
	Discipline    Discipline
	Day           string // YYYY-MM-DD in the athlete's zone
	PlannedMinute *int   // minutes-of-day of the planned start; nil when untimed
	Status        SessionStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LinkedSession pairs a session with the confirmation state of the activity
// pointing back at it, as loaded for a reconciliation sweep.
type LinkedSession struct {
	Session    PlannedSession
	ActivityID string
	Confirmed  bool
}
