package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/firewall"
	"grimm.is/warden/internal/geoip"
	"grimm.is/warden/internal/health"
	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/network"
	"grimm.is/warden/internal/ratelimit"
	"grimm.is/warden/internal/shield"
	"grimm.is/warden/internal/store"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	shutdownTimeout        = 5 * time.Second
)

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
func RunStart(configFile string, dryRun bool) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if dryRun {
		cfg.Firewall.DryRun = true
	}

	trail, err := openAudit(cfg)
	if err != nil {
		return err
	}
	var sink logging.AuditSink
	if trail != nil {
		defer trail.Close()
		sink = trail
	}
	logger := newLogger(cfg, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}

	var runner firewall.CommandRunner = firewall.NewRealCommandRunner(cfg.Firewall.Timeout())
	if cfg.Firewall.DryRun {
		runner = &firewall.DryRunRunner{Logger: logger.WithComponent("dryrun")}
	}

	limiter := ratelimit.NewLimiter(nil)
	geo, closeGeo := newGeoLookup(cfg.Enrichment, limiter, logger)
	defer closeGeo()

	opts := shield.Options{
		Config:     cfg,
		Store:      st,
		Runner:     runner,
		Classifier: network.NewClassifier(nil, logger),
		Logger:     logger,
	}
	if geo != nil {
		opts.Geo = geo
	}
	if trail != nil {
		opts.Audit = trail
	}
	svc, err := shield.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := svc.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		svc.Stop()
		return nil
	})

	limiter.StartCleanup(gctx, limiterCleanupInterval, time.Hour)

	if addr := cfg.Metrics.Listen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		newHealthChecker(cfg, svc, trail).Mux(mux)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("warden running", "data_dir", cfg.DataDir, "dry_run", cfg.Firewall.DryRun)
	err = g.Wait()
	logger.Info("warden stopped")
	return err
}

// newGeoLookup builds the enrichment resolver. It returns nil when
// enrichment is disabled.
func newGeoLookup(cfg *config.EnrichmentConfig, limiter *ratelimit.Limiter, logger *logging.Logger) (*geoip.Resolver, func()) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop
	}

	primary := geoip.NewHTTPSource(cfg.LookupURL, cfg.LookupTimeout())

	var fallback geoip.Source
	closer := noop
	if cfg.CityDB != "" || cfg.ASNDB != "" {
		mm, err := geoip.OpenMaxMind(cfg.CityDB, cfg.ASNDB)
		if err != nil {
			logger.Warn("maxmind fallback unavailable", "error", err)
		} else {
			fallback = mm
			closer = func() { _ = mm.Close() }
		}
	}

	return geoip.NewResolver(primary, fallback, limiter, cfg.LookupsPerMinute, logger), closer
}

// newHealthChecker registers the probes served next to /metrics.
func newHealthChecker(cfg *config.Config, svc *shield.Service, trail *audit.Store) *health.Checker {
	checker := health.NewChecker(nil)
	checker.Register("workers", health.TaskCheck(nil, svc.Tasks))
	checker.Register("data_dir", health.DirCheck(cfg.DataDir))
	if !cfg.Firewall.DryRun {
		checker.Register("packet_filter", health.BinaryCheck(
			cfg.Firewall.IPTables, cfg.Firewall.IP6Tables, cfg.Firewall.IPSet))
	}
	if trail != nil {
		checker.Register("audit", health.PingCheck(trail.Ping))
	}
	return checker
}
