package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/trainsync/internal/api"
	"example.com/trainsync/internal/auth"
	"example.com/trainsync/internal/config"
	"example.com/trainsync/internal/ingest"
	"example.com/trainsync/internal/match"
	"example.com/trainsync/internal/notify"
	"example.com/trainsync/internal/persistence/postgres"
	"example.com/trainsync/internal/provider"
	"example.com/trainsync/internal/reconcile"
	syncengine "example.com/trainsync/internal/sync"
	httptransport "example.com/trainsync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool)

	client := provider.NewClient(provider.Config{
		Name:         cfg.ProviderName,
		BaseURL:      cfg.ProviderBaseURL,
		TokenURL:     cfg.ProviderTokenURL,
		ClientID:     cfg.ProviderClientID,
		ClientSecret: cfg.ProviderClientSecret,
		PageSize:     cfg.ProviderPageSize,
	})
	tokens := provider.NewTokenManager(client, repo)

	notifier := notify.NewScoringNotifier(cfg.KafkaBrokers, cfg.ScoringTopic)
	defer notifier.Close()

	orchestrator := syncengine.NewOrchestrator(
		repo,
		tokens,
		client,
		ingest.NewPipeline(repo, cfg.ProviderName),
		match.NewMatcher(repo),
		reconcile.NewReconciler(repo),
		notifier,
		cfg.ProviderName,
		syncengine.WithLookbackDays(cfg.LookbackDays),
		syncengine.WithSafetyBuffer(cfg.SafetyBuffer),
	)

	// Ownership is resolved by the platform's relationship service in
	// production; the standalone deployment allows self-service and coaches.
	ownership := api.OwnershipFunc(func(ctx context.Context, callerID, athleteID string) error {
		if callerID == athleteID {
			return nil
		}
		if claims, ok := auth.FromContext(ctx); ok && claims.HasScope(auth.ScopeCoach) {
			return nil
		}
		return errors.New("caller is not allowed to act on this athlete")
	})

	handler := api.NewHandler(orchestrator, repo, ownership, cfg.WebhookVerify)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	skipper := func(r *http.Request) bool {
		return api.IsWebhookPath(r) || r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}
	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, skipper)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("trainsync api listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
