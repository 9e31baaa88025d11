package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gwi.com/book-recommender/internal/api"
	"gwi.com/book-recommender/internal/auth"
	"gwi.com/book-recommender/internal/config"
	"gwi.com/book-recommender/internal/core"
	"gwi.com/book-recommender/internal/logging"
	"gwi.com/book-recommender/internal/store"
)

func main() {
	cfg, err := config.Read()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	importFile := flag.String("import", "", "Import books from a JSON file and exit")
	backfill := flag.Bool("backfill", false, "Generate embeddings for the catalog and exit")
	offset := flag.Int("offset", 0, "Catalog position to start the backfill from")
	delay := flag.Duration("delay", cfg.BackfillDelay, "Pause between embedding requests during backfill")
	continueOnError := flag.Bool("continue-on-error", false, "Keep going when a book fails to embed")
	force := flag.Bool("force", false, "Re-embed books that already have an embedding")
	flag.Parse()

	// the import touches only the database; everything else needs secrets and a provider
	validate := cfg.Validate
	if *importFile != "" {
		validate = cfg.ValidateStorage
	}
	if err := validate(); err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer dbStore.Close()

	if *importFile != "" {
		n, err := dbStore.ImportBooksFromFile(ctx, *importFile)
		if err != nil {
			fail(dbStore, err, "book import failed")
		}
		logging.Info().Int("books", n).Str("file", *importFile).Msg("import complete")
		return
	}

	embedder, closeEmbedder, err := core.NewEmbedder(ctx, cfg)
	if err != nil {
		fail(dbStore, err, "failed to initialize embedding client")
	}
	defer closeEmbedder()

	if *backfill {
		job := core.NewBackfillJob(dbStore, embedder, core.BackfillOptions{
			Delay:           *delay,
			ContinueOnError: *continueOnError,
			Force:           *force,
		})
		report, err := job.Run(ctx, *offset)
		if err != nil {
			closeEmbedder()
			fail(dbStore, err, fmt.Sprintf("backfill stopped after %d embedded", report.Embedded))
		}
		if report.Failed > 0 {
			logging.Warn().Int("failed", report.Failed).Msg("backfill finished with failures")
		}
		return
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	accountService := core.NewAccountService(dbStore, tokens)
	recommendService := core.NewRecommendationService(dbStore, embedder, cfg.RecommendTopK)

	apiHandler := api.NewAPIHandler(accountService, recommendService)
	router := api.NewRouter(apiHandler, api.RouterOptions{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AuthRateLimit:      cfg.AuthRateLimit,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.EmbeddingTimeout + 15*time.Second, // a recommendation waits on one embedding call
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Str("provider", cfg.EmbeddingProvider).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logging.Error().Err(err).Str("addr", srv.Addr).Msg("server failed")
	case <-ctx.Done():
		logging.Info().Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server forced to shutdown")
		return
	}
	logging.Info().Msg("server exited")
}

// fail logs and exits non-zero after closing the store; deferred calls do not
// run on os.Exit.
func fail(dbStore *store.SQLiteStore, err error, msg string) {
	logging.Error().Err(err).Msg(msg)
	dbStore.Close()
	os.Exit(1)
}
