// Package domain defines the core types and error taxonomy shared by the
// activity synchronization engine.
package domain

import "time"

// IngestedActivity is the internal record created from a provider's raw
// activity payload. The pair (Source, ExternalID) is unique and serves as the
// idempotency key for ingestion.
type IngestedActivity struct {
	ID          string
	AthleteID   string
	Source      string
	ExternalID  string
	Discipline  Discipline
	StartedAt   time.Time // provider start instant, localized to the athlete's zone
	LocalDayKey string    // YYYY-MM-DD as observed in the athlete's zone
	LocalMinute int       // minutes-of-day of the local start, for matching
	DurationSec int
	DistanceM   float64
	Metrics     map[string]float64 // provider-specific payload (speed, HR, power, ...)
	SessionID   *string            // back-reference to the matched planned session
	ConfirmedAt *time.Time         // set only by explicit athlete confirmation
	Notes       *string            // athlete-authored, owned by another collaborator
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CoreChanged reports whether the provider-side edit detection fields differ
// from the supplied values. Notes and confirmation are deliberately excluded;
// this pipeline does not own them.
func (a IngestedActivity) CoreChanged(startedAt time.Time, durationSec int, distanceM float64) bool {
	return !a.StartedAt.Equal(startedAt) || a.DurationSec != durationSec || a.DistanceM != distanceM
}
