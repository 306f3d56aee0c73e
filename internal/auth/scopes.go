package auth

// Scopes understood by the sync service.
const (
	ScopeSyncRead  = "sync:read"
	ScopeSyncWrite = "sync:write"
	// ScopeCoach marks callers allowed to act on any of their athletes; the
	// ownership resolver still validates the specific coach/athlete pair.
	ScopeCoach = "coach"
)
