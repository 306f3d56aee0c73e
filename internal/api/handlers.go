// Package api exposes the HTTP entry points of the sync engine: the on-demand
// poll, the provider webhook, and the run audit listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/trainsync/internal/auth"
	"example.com/trainsync/internal/domain"
	syncengine "example.com/trainsync/internal/sync"
)

// Syncer is the orchestrator surface the handlers drive.
type Syncer interface {
	SyncOnDemand(ctx context.Context, athleteID string, forceDays int) (domain.SyncSummary, error)
	HandleWebhookEvent(ctx context.Context, ev syncengine.WebhookEvent) (domain.SyncSummary, error)
}

// RunLister reads back sync-run audit rows.
type RunLister interface {
	ListSyncRuns(ctx context.Context, limit int) ([]domain.SyncRun, error)
}

// OwnershipResolver confirms the caller may act on the target athlete. The
// platform's ownership service implements this; the sync engine trusts it and
// never re-derives the relationship.
type OwnershipResolver interface {
	Authorize(ctx context.Context, callerID, athleteID string) error
}

// OwnershipFunc adapts a function to the OwnershipResolver interface.
type OwnershipFunc func(ctx context.Context, callerID, athleteID string) error

// Authorize implements OwnershipResolver.
func (f OwnershipFunc) Authorize(ctx context.Context, callerID, athleteID string) error {
	return f(ctx, callerID, athleteID)
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the logger used for webhook failures.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler coordinates HTTP requests with the orchestrator.
type Handler struct {
	syncer      Syncer
	runs        RunLister
	ownership   OwnershipResolver
	verifyToken string
	logger      *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(syncer Syncer, runs RunLister, ownership OwnershipResolver, verifyToken string, opts ...Option) *Handler {
	h := &Handler{
		syncer:      syncer,
		runs:        runs,
		ownership:   ownership,
		verifyToken: verifyToken,
		logger:      log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sync", h.syncOnDemand)
	mux.HandleFunc("/v1/sync/runs", h.listRuns)
	mux.HandleFunc("/v1/webhooks/provider", h.webhook)
	mux.HandleFunc("/healthz", healthz)
}

// IsWebhookPath reports whether a request targets the webhook endpoint, which
// authenticates with the provider's verify token instead of a JWT.
func IsWebhookPath(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/v1/webhooks/")
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// SyncRequest is the payload for POST /v1/sync.
type SyncRequest struct {
	AthleteID string `json:"athlete_id"`
	ForceDays int    `json:"force_days,omitempty"`
}

// Validate ensures request correctness.
func (r SyncRequest) Validate() error {
	if strings.TrimSpace(r.AthleteID) == "" {
		return errors.New("athlete_id is required")
	}
	if r.ForceDays < 0 {
		return errors.New("force_days must be >= 0")
	}
	return nil
}

func (h *Handler) syncOnDemand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:write required")
		return
	}

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if err := h.ownership.Authorize(r.Context(), claims.Subject, req.AthleteID); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
		return
	}

	summary, err := h.syncer.SyncOnDemand(r.Context(), req.AthleteID, req.ForceDays)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no provider connection for athlete")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSyncRead) && !claims.HasScope(auth.ScopeSyncWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sync:read required")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	runs, err := h.runs.ListSyncRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]RunView, 0, len(runs))
	for _, run := range runs {
		items = append(items, RunView{
			RunID:     run.ID,
			Trigger:   run.Trigger,
			Summary:   run.Summary,
			StartedAt: run.StartedAt,
			EndedAt:   run.EndedAt,
		})
	}
	writeJSON(w, http.StatusOK, ListRunsResponse{Items: items})
}

// webhook handles the provider's subscription handshake (GET) and event
// pushes (POST). The provider expects a fast 2xx; ingestion failures are
// logged rather than surfaced, otherwise the provider retries the event
// against a pipeline that will keep failing.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.webhookChallenge(w, r)
	case http.MethodPost:
		h.webhookEvent(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) webhookChallenge(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("hub.verify_token") != h.verifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verify token mismatch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hub.challenge": r.URL.Query().Get("hub.challenge"),
	})
}

func (h *Handler) webhookEvent(w http.ResponseWriter, r *http.Request) {
	var ev syncengine.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		// Still a 2xx: a malformed body will not improve on retry.
		h.logger.Printf("discarding undecodable webhook payload: %v", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := h.syncer.HandleWebhookEvent(ctx, ev); err != nil {
			h.logger.Printf("webhook sync failed (object=%d owner=%d): %v", ev.ObjectID, ev.OwnerID, err)
		}
	}()

	w.WriteHeader(http.StatusOK)
}

// RunView exposes one audit row.
type RunView struct {
	RunID     string             `json:"run_id"`
	Trigger   string             `json:"trigger"`
	Summary   domain.SyncSummary `json:"summary"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at"`
}

// ListRunsResponse packages audit rows.
type ListRunsResponse struct {
	Items []RunView `json:"items"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
