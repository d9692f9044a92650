package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/mi6-platform/moneypenny/internal/api/http"
	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/backend/kubernetes"
	"github.com/mi6-platform/moneypenny/internal/dispatcher"
	"github.com/mi6-platform/moneypenny/internal/ledger"
	"github.com/mi6-platform/moneypenny/internal/orders"
	"github.com/mi6-platform/moneypenny/internal/reconciler"
	"github.com/mi6-platform/moneypenny/internal/tracker"
)

var AppVersion string

func buildBackend(cfg Config, m *orders.M) (backend.Backend, error) {
	switch cfg.Backend.Mode {
	case "kubernetes", "":
		client, err := kubernetes.NewClient(cfg.Kubernetes, m)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client setup: %w", err)
		}
		slog.Info("Using Kubernetes backend", "namespace", client.Namespace())
		return client, nil
	case "memory":
		slog.Warn("Using in-memory backend; provisioning jobs will not run anywhere")
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q, expected %q or %q", cfg.Backend.Mode, "kubernetes", "memory")
	}
}

func main() {
	InitConfig()

	slog.Info("Moneypenny", "version", AppVersion)

	m := orders.NewM(config.Orders.MFile)
	quips := orders.NewQuips(config.Orders.QuipsFile)

	be, err := buildBackend(config, m)
	if err != nil {
		slog.Error("Backend setup failed", "error", err)
		os.Exit(1)
	}

	var lg *ledger.Ledger
	if config.Database.URL != "" {
		var err error
		lg, err = ledger.Open(context.Background(), config.Database)
		if err != nil {
			slog.Error("Ledger setup failed", "error", err)
			os.Exit(1)
		}
		defer lg.Close()
	} else {
		slog.Info("No database configured; completed tasks will not be archived")
	}

	tr := tracker.New()
	d := dispatcher.New(tr, be, m)
	rec := reconciler.New(config.Reconcile, tr, d, be, lg)

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	var reconcileWG sync.WaitGroup
	reconcileWG.Add(1)
	go func() {
		defer reconcileWG.Done()
		rec.Run(reconcileCtx)
	}()

	services := &internalhttp.Services{
		Dispatcher: d,
		Tracker:    tr,
		Orders:     m,
		Quips:      quips,
		Ledger:     lg,
		Auth:       config.Auth,
		Version:    AppVersion,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownTimeout := 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	stopReconciler()
	reconcileWG.Wait()
	slog.Info("Shutdown complete")
}
