package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/guardianvoice/gvbridge/internal/api"
	"github.com/guardianvoice/gvbridge/internal/bridge"
	"github.com/guardianvoice/gvbridge/internal/config"
	"github.com/guardianvoice/gvbridge/internal/engine"
	"github.com/guardianvoice/gvbridge/internal/engine/sipengine"
	"github.com/guardianvoice/gvbridge/internal/metrics"
	"github.com/guardianvoice/gvbridge/internal/push"
	"github.com/guardianvoice/gvbridge/internal/store"
	"github.com/guardianvoice/gvbridge/internal/telephony"
	"github.com/guardianvoice/gvbridge/internal/wake"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// submitterProxy breaks the construction cycle between the machine and
// its adapters: adapters are built against the proxy, the machine
// against the adapters, then the proxy is pointed at the machine before
// anything runs.
type submitterProxy struct {
	machine *bridge.Machine
}

func (p *submitterProxy) Submit(t bridge.Transition) {
	p.machine.Submit(t)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting gvbridge",
		"api_port", cfg.APIPort,
		"sip_port", cfg.SIPPort,
		"telephony_backend", cfg.TelephonyBackend,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	accounts := store.NewAccountStore(db)
	callLog := store.NewCallLog(db, logger)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// SIP engine. Not started here: the caller's initialize command or
	// the first push wake brings it up.
	eng := sipengine.New(sipengine.Config{
		ListenAddr: cfg.SIPListenAddr(),
		UserAgent:  cfg.UserAgent,
		Hostname:   cfg.SIPHost(),
		MediaPort:  cfg.MediaPort,
	}, accounts, logger)

	// Bridge machine and its two adapters.
	proxy := &submitterProxy{}
	emitter := bridge.NewEmitter(logger)

	engAdapter := engine.NewAdapter(eng, proxy, logger)

	telAdapter, err := telephony.New(telephony.Backend(cfg.TelephonyBackend),
		telephony.NewLogService(logger), proxy, logger)
	if err != nil {
		slog.Error("failed to create telephony adapter", "error", err)
		os.Exit(1)
	}

	machine := bridge.NewMachine(engAdapter, telAdapter, emitter, logger,
		bridge.WithRingTimeout(cfg.RingTimeout),
		bridge.WithCallLogger(callLog),
	)
	proxy.machine = machine

	go machine.Run(appCtx)
	go engAdapter.Run(appCtx)

	// Wake path.
	wakeHandler := wake.NewHandler(eng, machine, logger)
	wakeLimiter := wake.NewLimiter(wake.LimiterConfig{
		Rate:            rate.Limit(cfg.WakeRate),
		Burst:           cfg.WakeBurst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          15 * time.Minute,
	})
	defer wakeLimiter.Stop()

	// Push token registration client.
	pushClient := push.NewClient(cfg.BackendURL, cfg.BackendAPIKey)

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(machine, engAdapter, callLog, time.Now()))

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(api.Deps{
		Machine:   machine,
		Engine:    eng,
		Wake:      wakeHandler,
		Limiter:   wakeLimiter,
		Push:      pushClient,
		Accounts:  accounts,
		History:   callLog,
		Events:    emitter,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret: jwtSecret,
		RunCtx:    appCtx,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the event stream holds its connection open
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("gvbridge stopped")
}
