// The syncworker runs the scheduled batch poll across every connected
// athlete at a fixed cadence.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/trainsync/internal/config"
	"example.com/trainsync/internal/domain"
	"example.com/trainsync/internal/ingest"
	"example.com/trainsync/internal/match"
	"example.com/trainsync/internal/notify"
	"example.com/trainsync/internal/persistence/postgres"
	"example.com/trainsync/internal/provider"
	"example.com/trainsync/internal/reconcile"
	syncengine "example.com/trainsync/internal/sync"
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

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	log.Printf("syncworker polling every %s", cfg.SyncInterval)
	runBatch(ctx, orchestrator, cfg.BatchTimeout)

	for {
		select {
		case <-shutdownCh:
			log.Printf("syncworker shutting down")
			cancel()
			return
		case <-ticker.C:
			runBatch(ctx, orchestrator, cfg.BatchTimeout)
		}
	}
}

// runBatch bounds one whole run with the batch timeout; individual provider
// calls are not cancelled mid-athlete.
func runBatch(ctx context.Context, orchestrator *syncengine.Orchestrator, timeout time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary, err := orchestrator.SyncBatch(runCtx, syncengine.BatchRequest{})
	if err != nil {
		if errors.Is(err, domain.ErrProviderConfig) {
			log.Fatalf("provider misconfigured, refusing to poll: %v", err)
		}
		log.Printf("batch poll failed: %v", err)
		return
	}
	if len(summary.Errors) > 0 {
		log.Printf("batch poll finished with %d athlete errors", len(summary.Errors))
	}
}
