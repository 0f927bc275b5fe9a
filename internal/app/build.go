// Package app wires the portal's components from a Config.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/umportal/internal/admin"
	"github.com/ent0n29/umportal/internal/assignments"
	"github.com/ent0n29/umportal/internal/config"
	"github.com/ent0n29/umportal/internal/delivery"
	"github.com/ent0n29/umportal/internal/digest"
	"github.com/ent0n29/umportal/internal/dispatch"
	"github.com/ent0n29/umportal/internal/httpapi"
	"github.com/ent0n29/umportal/internal/lifecycle"
	"github.com/ent0n29/umportal/internal/messages"
	"github.com/ent0n29/umportal/internal/observability"
	"github.com/ent0n29/umportal/internal/session"
	"github.com/ent0n29/umportal/internal/store"
)

type BuildResult struct {
	Config     config.Config
	Store      store.Store
	API        *httpapi.Server
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Delivery   *delivery.Engine
	Metrics    *observability.Metrics
	Digest     *digest.Scheduler

	// Cleanup releases the store on shutdown.
	Cleanup func() error
}

// Build creates the store, registers every module on a dispatcher and puts
// the HTTP surface on top. metrics may be nil.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics, logger *slog.Logger) (*BuildResult, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	registry := session.NewRegistry(cfg.ConnIdleTimeout)
	registry.SetExpireHook(func(c *session.Conn) {
		logger.Info("connection expired", "conn_id", c.ID, "user_id", c.UserID())
		metrics.ObserveConnectionEvent("expired")
		metrics.SetActiveConnections(registry.ActiveCount())
	})

	d := dispatch.New(st, metrics, logger)
	engine := delivery.NewEngine(registry, st, metrics, logger)
	messages.New(d, engine, lifecycle.NewTracker(), messages.Options{
		MessagesPerLoad: cfg.MessagesPerLoad,
		UploadDir:       cfg.UploadDir,
	}).Register()
	admin.New(d).Register()
	assignments.New(d, assignments.Options{}).Register()

	api := httpapi.New(cfg, registry, d, metrics, logger)

	var scheduler *digest.Scheduler
	if cfg.DigestEnabled {
		scheduler = &digest.Scheduler{
			Cron:    cfg.DigestCron,
			Store:   st,
			Sender:  digest.LogSender{Logger: logger},
			Metrics: metrics,
			Logger:  logger,
		}
	}

	return &BuildResult{
		Config:     cfg,
		Store:      st,
		API:        api,
		Registry:   registry,
		Dispatcher: d,
		Delivery:   engine,
		Metrics:    metrics,
		Digest:     scheduler,
		Cleanup:    st.Close,
	}, nil
}
