package domain

import "errors"

var (
	// ErrProviderConfig indicates missing provider client credentials. It is
	// fatal for the whole run, not just one athlete.
	ErrProviderConfig = errors.New("provider client credentials missing")

	// ErrTokenRefresh indicates the provider rejected a refresh token or
	// returned an unusable refresh response. Fatal for the current athlete's
	// pass only.
	ErrTokenRefresh = errors.New("provider token refresh failed")

	// ErrRateLimited is the classification of a provider 429. The orchestrator
	// stops the remainder of the batch rather than amplifying the throttle.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrProviderResponse indicates a malformed or non-array provider response
	// body. Handled like a token failure: skip the athlete, keep the batch.
	ErrProviderResponse = errors.New("invalid provider response")

	// ErrActivityExists is the expected concurrency signal raised when the
	// unique (source, external_id) constraint rejects an insert. Callers fall
	// back to read-and-maybe-update; it never surfaces past the pipeline.
	ErrActivityExists = errors.New("activity already ingested")

	// ErrSessionNotFound is returned when a session lookup misses.
	ErrSessionNotFound = errors.New("planned session not found")

	// ErrConnectionNotFound is returned when no provider connection exists for
	// the requested athlete.
	ErrConnectionNotFound = errors.New("provider connection not found")
)
