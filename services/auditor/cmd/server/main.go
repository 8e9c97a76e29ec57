package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/BlueWaves-afk/vigia-functions-orchestrator/pkg/db"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/agents"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/auditor"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/config"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/ledger"
	"github.com/BlueWaves-afk/vigia-functions-orchestrator/services/auditor/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.FromEnv()

	pool, err := db.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool, cfg.TelemetryTable, cfg.AuditTable)

	agentClient := agents.New(cfg.AgentsBaseURL)
	gate := &agents.Gate{
		Client:       agentClient,
		PollInterval: time.Duration(cfg.AgentPollSeconds) * time.Second,
		Deadline:     time.Duration(cfg.AgentTimeoutSeconds) * time.Second,
	}
	notifier := &agents.Notifier{Client: agentClient, Logger: logger}

	ledgerClient := ledger.New(cfg.LedgerURL, cfg.LedgerID, cfg.LedgerIdentityURL)

	orch := &auditor.Orchestrator{
		Cfg:      cfg,
		Log:      st,
		Gate:     gate,
		Notifier: notifier,
		Ledger:   ledgerClient,
		Logger:   logger,
	}

	s := &server{
		cfg:      cfg,
		runner:   orch,
		store:    st,
		ledger:   ledgerClient,
		notifier: notifier,
		logger:   logger,
	}

	logger.Info("auditor listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, s.routes()); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
