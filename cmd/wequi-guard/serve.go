package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nightlyone/lockfile"
	"github.com/spf13/cobra"

	"wequi-guard/pkg/api"
	"wequi-guard/pkg/blocklist"
	"wequi-guard/pkg/cache"
	"wequi-guard/pkg/config"
	"wequi-guard/pkg/directory"
	"wequi-guard/pkg/dns"
	"wequi-guard/pkg/event"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/monitor"
	"wequi-guard/pkg/pipeline"
	"wequi-guard/pkg/policy"
	"wequi-guard/pkg/ratelimit"
	"wequi-guard/pkg/safesearch"
	"wequi-guard/pkg/storage"
	"wequi-guard/pkg/telemetry"
	"wequi-guard/pkg/tlscert"
	"wequi-guard/pkg/upstream"
)

// listenerGrace is added to the pipeline's worst-case latency so a query
// that exhausts its retries still gets its SERVFAIL written.
const listenerGrace = 500 * time.Millisecond

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the DNS listeners and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	logger.Info("wequi-guard starting",
		"version", version,
		"build_time", buildTime,
		"config", configPath)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	dir := directory.New(cfg.Directory)

	var (
		archive   *storage.SQLiteStore
		persister policy.Persister = policy.NopPersister{}
	)
	if cfg.Storage.Enabled {
		unlock, err := acquireLock(cfg.Storage.LockFile)
		if err != nil {
			return err
		}
		defer unlock()

		archive, err = storage.Open(cfg.Storage, logger, metrics)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer archive.Close()
		persister = archive
		archive.StartRetention(ctx)
	}

	policies := policy.NewStore(dir, persister, cfg.Policy, logger)
	if err := policies.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	lists := blocklist.NewManager(cfg.Policy, logger, metrics, &http.Client{Timeout: 30 * time.Second})
	lists.Start(ctx)
	defer lists.Stop()

	engine := policy.NewEngine(policies, lists, safesearch.New(cfg.Policy.SafeSearch))

	resolutionCache, err := cache.NewSharded(cfg.Cache, logger, metrics)
	switch {
	case errors.Is(err, cache.ErrCacheNotEnabled):
		logger.Warn("Resolution cache disabled")
		resolutionCache = nil
	case err != nil:
		return fmt.Errorf("failed to create cache: %w", err)
	default:
		defer resolutionCache.Close()
	}

	pool, err := upstream.NewPool(cfg.Upstream, upstream.NewDNSExchanger(cfg.Pipeline.AttemptTimeout), logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create upstream pool: %w", err)
	}
	pool.Start(ctx)

	agg := monitor.New(cfg.Monitor, logger)
	if archive != nil && cfg.Storage.RestoreOnStartup {
		if _, err := agg.Restore(ctx, archive, cfg.Monitor.RingSize); err != nil {
			logger.Warn("Failed to restore query events", "error", err)
		}
	}

	sinks := []event.Sink{agg}
	if archive != nil && cfg.Storage.ArchiveQueries {
		sinks = append(sinks, archive)
	}
	pipe, err := pipeline.New(cfg.Pipeline, engine, dir, resolutionCache, pool, logger, metrics,
		pipeline.WithTracer(telem.Tracer()),
		pipeline.WithSinks(sinks...),
	)
	if err != nil {
		return err
	}

	inspector := tlscert.NewInspector(cfg.Server.DoT, logger)
	agg.AddBadgeSource(upstreamBadge(pool))
	agg.AddBadgeSource(inspector)
	agg.AddBadgeSource(api.NewHostBadge())

	alerter, err := monitor.NewAlerter(cfg.Monitor, agg, logger, metrics,
		upstreamFacts(pool),
		inspector.Facts,
		cacheFacts(resolutionCache),
	)
	if err != nil {
		return fmt.Errorf("failed to compile alert rules: %w", err)
	}
	alerter.Start(ctx, cfg.Monitor.AlertInterval, time.Now)

	loginLimiter := ratelimit.NewManager(cfg.Auth.LoginRateLimit, "login", logger, metrics)
	defer loginLimiter.Stop()

	dnsServer := dns.NewServer(cfg.Server, pipe, logger, metrics,
		dns.WithHandshakeRecorder(agg),
		dns.WithQueryTimeout(pipe.MaxLatency()+listenerGrace),
	)

	apiCfg := &api.Config{
		ListenAddress: cfg.Server.APIAddress,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Auth:          cfg.Auth,
		Policies:      policies,
		Directory:     dir,
		Monitor:       agg,
		Alerter:       alerter,
		Cache:         resolutionCache,
		Upstreams:     pool,
		TLS:           inspector,
		LoginLimiter:  loginLimiter,
		Metrics:       telem.Handler(),
		Logger:        logger,
		Version:       version,
	}
	if archive != nil {
		apiCfg.Storage = archive
	}
	apiServer := api.New(apiCfg)

	watcher, err := config.NewWatcher(configPath, logger.Logger)
	if err != nil {
		return err
	}
	defer watcher.Close()
	watcher.OnChange(func(next *config.Config) {
		dir.Reload(next.Directory)
		policies.SetKeys(next.Policy)
		engine.SetSafeSearch(safesearch.New(next.Policy.SafeSearch))
		if err := alerter.SetRules(next.Monitor.Alerts); err != nil {
			logger.Error("Alert rules not reloaded", "error", err)
		}
		if err := lists.Reload(ctx, next.Policy); err != nil {
			logger.Error("Category lists not reloaded", "error", err)
		}
		logger.Info("Applied reloaded configuration",
			"users", len(next.Directory.Users),
			"devices", len(next.Directory.Devices),
			"categories", len(next.Policy.Categories))
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		if err := watcher.Start(runCtx); err != nil {
			logger.Error("Config watcher stopped", "error", err)
		}
	}()
	go reloadCertificateOnHUP(runCtx, dnsServer, logger)

	// Both servers shut themselves down once runCtx is canceled.
	var wg sync.WaitGroup
	errChan := make(chan error, 2)
	run := func(name string, start func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(runCtx); err != nil {
				errChan <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}
	run("dns", dnsServer.Start)
	run("api", apiServer.Start)

	logger.Info("wequi-guard is running",
		"dns", cfg.Server.ListenAddress,
		"dot", cfg.Server.DoT.Enabled,
		"api", cfg.Server.APIAddress,
		"upstreams", len(cfg.Upstream.Servers))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-errChan:
		logger.Error("Server error", "error", runErr)
	}
	cancelRun()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("wequi-guard stopped")
	return runErr
}

// acquireLock takes the PID lock guarding the SQLite file.
func acquireLock(path string) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve lock path: %w", err)
	}
	lock, err := lockfile.New(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("another instance holds %s: %w", abs, err)
	}
	return func() { _ = lock.Unlock() }, nil
}

func reloadCertificateOnHUP(ctx context.Context, srv *dns.Server, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := srv.ReloadCertificate(); err != nil {
				logger.Error("DoT certificate not reloaded", "error", err)
			}
		}
	}
}

func upstreamBadge(pool *upstream.Pool) monitor.BadgeSource {
	return monitor.BadgeFunc(func() monitor.Badge {
		healthy, total := pool.HealthyCount(), len(pool.Servers())
		b := monitor.Badge{Name: "upstreams", Status: monitor.StatusOK, Detail: fmt.Sprintf("%d/%d healthy", healthy, total)}
		switch {
		case healthy == 0:
			b.Status = monitor.StatusCritical
		case healthy < total:
			b.Status = monitor.StatusWarning
		}
		return b
	})
}

func upstreamFacts(pool *upstream.Pool) monitor.FactsFunc {
	return func(env *monitor.AlertEnv) {
		env.HealthyUpstreams = pool.HealthyCount()
		env.UnhealthyUpstreams = len(pool.Servers()) - env.HealthyUpstreams
	}
}

func cacheFacts(c *cache.ShardedCache) monitor.FactsFunc {
	return func(env *monitor.AlertEnv) {
		if c == nil {
			return
		}
		w := c.Window(10 * time.Minute)
		env.CacheHitRatio10m = w.HitRatio
		env.EvictionsPerMin = w.EvictionsPerMin
	}
}
