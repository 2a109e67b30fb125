package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/enrich"
	"github.com/TobiSchelling/postwatch/internal/ingest"
	"github.com/TobiSchelling/postwatch/internal/llm"
	"github.com/TobiSchelling/postwatch/internal/notify"
	"github.com/TobiSchelling/postwatch/internal/pipeline"
	"github.com/TobiSchelling/postwatch/internal/report"
	"github.com/TobiSchelling/postwatch/internal/source"
)

// app is the wired process: storage, settings and the pipeline.
type app struct {
	db        *database.DB
	store     *config.Store
	pipeline  *pipeline.Pipeline
	logger    *slog.Logger
	reportLoc *time.Location
	authorLoc *time.Location
}

func (a *app) Close() error {
	return a.db.Close()
}

// openStore opens the database and loads the settings snapshot.
func openStore(ctx context.Context) (*database.DB, *config.Store, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	store := config.NewStore(db)
	if err := store.Load(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// buildApp wires every pipeline component from the file config.
func buildApp(ctx context.Context) (*app, error) {
	reportLoc, err := cfg.ReportLocation()
	if err != nil {
		return nil, err
	}
	authorLoc, err := cfg.AuthorLocation()
	if err != nil {
		return nil, err
	}

	db, store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	src, err := source.New(cfg.Source, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var translator enrich.Translator
	var analyzer enrich.Analyzer
	if provider := llm.New(ctx, cfg.LLM, logger); provider != nil {
		translator = enrich.NewLLMTranslator(provider, cfg.LLM.TargetLanguage, cfg.LLM.MaxTokens)
		analyzer = enrich.NewLLMAnalyzer(provider, cfg.LLM.MaxTokens)
	}

	var deliverer notify.Deliverer = notify.LogDeliverer{Logger: logger}
	if cfg.Webhook.URL != "" {
		deliverer = notify.NewWebhook(cfg.Webhook.URL, cfg.WebhookSecret(), nil)
	} else {
		logger.Warn("no webhook configured; messages are written to the log")
	}

	dispatcher := notify.NewDispatcher(db, deliverer, reportLoc, logger)
	pipe := pipeline.New(db,
		ingest.NewEngine(db, src, cfg.Account.Username, logger),
		enrich.NewOrchestrator(db, translator, analyzer, logger),
		dispatcher,
		report.NewAggregator(db, analyzer, dispatcher, reportLoc, logger),
		logger,
	)

	return &app{
		db:        db,
		store:     store,
		pipeline:  pipe,
		logger:    logger,
		reportLoc: reportLoc,
		authorLoc: authorLoc,
	}, nil
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "postwatch.db")
	return database.Open(dbPath)
}

func printSteps(steps []pipeline.StepResult) {
	for i, step := range steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
}
