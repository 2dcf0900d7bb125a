// Command gateway is the WhatsApp gateway's entrypoint: it wires config,
// logging, metrics, persistence, the rate-limit scheduler, the AI proxy,
// and the session supervisor together, rehydrates any agents left
// connected from a prior run, and serves only /health and /metrics —
// the tenant-facing routes live in the surrounding product, not here.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tenantwa/gateway/internal/aiproxy"
	"github.com/tenantwa/gateway/internal/chatclient"
	"github.com/tenantwa/gateway/internal/config"
	"github.com/tenantwa/gateway/internal/dispatch"
	"github.com/tenantwa/gateway/internal/logging"
	"github.com/tenantwa/gateway/internal/media"
	"github.com/tenantwa/gateway/internal/metrics"
	"github.com/tenantwa/gateway/internal/scheduler"
	"github.com/tenantwa/gateway/internal/session"
	"github.com/tenantwa/gateway/internal/store"
)

var startedAt = time.Now()

const (
	tempSweepInterval = 30 * time.Minute
	tempSweepMaxAge   = 24 * time.Hour
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	logger.Info().Str("port", cfg.Port).Msg("🚀 starting whatsapp gateway")

	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("❌ failed to open database")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(60 * time.Minute)
	} else {
		logger.Warn().Err(err).Msg("⚠️ could not tune connection pool")
	}
	logger.Info().Msg("✅ database connected")

	reg := metrics.New()

	agentRepo := store.NewAgentRepo(db)
	apiKeyRepo := store.NewAPIKeyRepo(db, agentRepo, logger)

	sched := scheduler.New(logger)
	defer sched.Stop()

	ai := aiproxy.New(cfg.AIBackendURL, reg)

	// dispatcher is constructed after the supervisor but the supervisor's
	// onMessage callback needs to reach it; a one-slot box breaks the
	// cycle without restructuring either constructor.
	var disp *dispatch.Dispatcher
	sup := session.New(agentRepo, apiKeyRepo, chatclient.NewWhatsmeowFactory(), reg, logger, cfg.WWEBJSAuthDir,
		func(agentID string, msg *chatclient.InboundMessage) {
			if disp != nil {
				disp.Handle(agentID, msg)
			}
		})
	sup.SetMediaPreparer(media.New(cfg.TempDir))

	botJID := os.Getenv("BOT_JID")
	developerJID := os.Getenv("DEVELOPER_JID")
	disp = dispatch.New(sched, ai, sup, reg, logger, botJID, developerJID)

	bootstrapSessions(context.Background(), agentRepo, sup, logger)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	go sweepTempDir(sweepCtx, cfg.TempDir, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", reg.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("✅ gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("❌ server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("🔌 shutting down gateway")
	cancelSweep()
	sup.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
	}
}

// bootstrapSessions reconstructs a LiveSession for every agent row left in
// a connectable state by a prior run, per the gateway's startup
// rehydration contract: any row with status connected, awaiting_qr, or
// disconnected gets a fresh client attempt rather than waiting for the
// tenant to call create_or_resume again.
func bootstrapSessions(ctx context.Context, agents store.AgentRepo, sup *session.Supervisor, logger zerolog.Logger) {
	rows, err := agents.ListBootstrappable()
	if err != nil {
		logger.Warn().Err(err).Msg("⚠️ failed to list agents for startup rehydration")
		return
	}
	for _, row := range rows {
		_, err := sup.CreateOrResume(ctx, row.UserID, row.AgentID, row.AgentName, row.APIKey, "")
		if err != nil {
			logger.Warn().Err(err).Str("agentId", row.AgentID).Msg("⚠️ failed to rehydrate session on startup")
			continue
		}
		logger.Info().Str("agentId", row.AgentID).Msg("♻️ rehydrated session from prior run")
	}
}

// sweepTempDir deletes media preview files older than tempSweepMaxAge every
// tempSweepInterval, matching the teacher's ticker-driven background loops
// (internal/workflow/scheduler.go, internal/whatsapp/keepalive.go).
func sweepTempDir(ctx context.Context, dir string, logger zerolog.Logger) {
	ticker := time.NewTicker(tempSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(dir)
			if err != nil {
				if !os.IsNotExist(err) {
					logger.Warn().Err(err).Msg("⚠️ temp preview sweep: failed to list directory")
				}
				continue
			}
			cutoff := time.Now().Add(-tempSweepMaxAge)
			removed := 0
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				if err := os.Remove(dir + "/" + entry.Name()); err == nil {
					removed++
				}
			}
			if removed > 0 {
				logger.Info().Int("removed", removed).Msg("🧹 swept stale media previews")
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(startedAt).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
