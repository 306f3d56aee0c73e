package domain

import "time"

// AthleteError records a per-athlete failure inside a sync run.
type AthleteError struct {
	AthleteID string `json:"athlete_id"`
	Message   string `json:"message"`
}

// SyncSummary is the per-run result returned to the orchestrator's caller.
// It is assembled as a fold over per-athlete reports, never shared mutable
// state, so the loop stays safe under bounded parallelism.
type SyncSummary struct {
	AthletesProcessed int            `json:"athletes_processed"`
	Fetched           int            `json:"fetched"`
	Created           int            `json:"created"`
	Updated           int            `json:"updated"`
	Matched           int            `json:"matched"`
	SkippedUnchanged  int            `json:"skipped_unchanged"`
	Errors            []AthleteError `json:"errors,omitempty"`
}

// AthleteReport carries one athlete's counts into the summary fold.
type AthleteReport struct {
	Fetched          int
	Created          int
	Updated          int
	Matched          int
	SkippedUnchanged int
}

// Absorb folds one athlete's report into the summary.
func (s *SyncSummary) Absorb(r AthleteReport) {
	s.AthletesProcessed++
	s.Fetched += r.Fetched
	s.Created += r.Created
	s.Updated += r.Updated
	s.Matched += r.Matched
	s.SkippedUnchanged += r.SkippedUnchanged
}

// RecordError appends a per-athlete failure without aborting the run.
func (s *SyncSummary) RecordError(athleteID string, err error) {
	s.Errors = append(s.Errors, AthleteError{AthleteID: athleteID, Message: err.Error()})
}

// SyncRun is the optional audit row persisted after each orchestrator run.
type SyncRun struct {
	ID        string
	Trigger   string // "batch", "webhook" or "ondemand"
	Summary   SyncSummary
	StartedAt time.Time
	EndedAt   time.Time
}
