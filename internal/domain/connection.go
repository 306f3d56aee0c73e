package domain

import "time"

// ProviderConnection holds one athlete's link to the external provider. Token
// fields are mutated only by the token manager; LastSyncAt only by the
// orchestrator. ExpiresAt always describes the currently stored access token,
// so an expired access token next to a valid refresh token is still usable.
type ProviderConnection struct {
	AthleteID         string
	Provider          string
	ProviderAthleteID string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
	Scope             string
	TimeZone          string // IANA zone name of the athlete, e.g. "Australia/Brisbane"
	LastSyncAt        *time.Time
}
