// Mining Wave - demurrage rewards tracker for an Ergo mining pool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/marctheshark3/mining-wave/internal/api"
	"github.com/marctheshark3/mining-wave/internal/backfill"
	"github.com/marctheshark3/mining-wave/internal/cache"
	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/newrelic"
	"github.com/marctheshark3/mining-wave/internal/notify"
	"github.com/marctheshark3/mining-wave/internal/policy"
	"github.com/marctheshark3/mining-wave/internal/pool"
	"github.com/marctheshark3/mining-wave/internal/profiling"
	"github.com/marctheshark3/mining-wave/internal/stats"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "combined", "Run mode: combined, serve, monitor")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Mining Wave v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("Mining Wave v%s starting in %s mode", version, *mode)

	switch *mode {
	case "serve":
		cfg.API.Enabled = true
		cfg.Backfill.Enabled = false
	case "monitor":
		cfg.API.Enabled = false
		cfg.Backfill.Enabled = true
	case "combined":
	default:
		util.Fatalf("Invalid mode: %s", *mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent := newrelic.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("New Relic disabled: %v", err)
	}

	debugServer := profiling.NewServer(&cfg.Profiling)
	if err := debugServer.Start(); err != nil {
		util.Fatalf("Failed to start debug server: %v", err)
	}

	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			util.Fatalf("Failed to connect to Redis: %v", err)
		}
	}

	store, err := storage.Open(cfg.Store, redisClient)
	if err != nil {
		util.Fatalf("Failed to open event store: %v", err)
	}

	repo, err := pool.Open(cfg.PoolDB, cfg.Demurrage.DefaultPoolHashrate)
	if err != nil {
		util.Fatalf("Failed to open pool database: %v", err)
	}

	source := chain.NewSourceFromConfig(ctx, cfg.Chain)
	source.Start()

	layer, err := cache.NewFromConfig(cfg.Cache, redisClient)
	if err != nil {
		util.Fatalf("Failed to create cache: %v", err)
	}

	svc := stats.NewService(cfg.Demurrage, source, store, repo)

	var (
		policyServer *policy.PolicyServer
		apiServer    *api.Server
		notifier     *notify.Notifier
		monitor      *backfill.Monitor
	)

	if cfg.API.Enabled {
		policyServer = policy.NewPolicyServer(&cfg.Policy)
		policyServer.Start()

		apiServer = api.NewServer(cfg, svc, layer, policyServer, agent)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	if cfg.Backfill.Enabled {
		runner := backfill.NewRunner(cfg.Backfill, source, store, repo, demurrage.NewClassifier(cfg.Demurrage))

		notifier = notify.NewNotifier(&cfg.Notify)
		publishers := []backfill.Publisher{notifier, agent}
		if apiServer != nil {
			publishers = append(publishers, apiServer.Hub())
		}

		monitor = backfill.NewMonitor(cfg.Backfill, runner, source, store, layer, publishers...)
		monitor.Start()
	}

	util.Info("Tracker started successfully. Press Ctrl+C to stop.")

	<-ctx.Done()
	util.Info("Shutting down...")

	if monitor != nil {
		monitor.Stop()
	}
	if notifier != nil {
		notifier.Wait()
	}
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			util.Warnf("API server shutdown: %v", err)
		}
		cancel()
	}
	if policyServer != nil {
		policyServer.Stop()
	}

	source.Stop()
	if err := layer.Close(); err != nil {
		util.Warnf("Cache close: %v", err)
	}
	if err := repo.Close(); err != nil {
		util.Warnf("Pool database close: %v", err)
	}
	if err := store.Close(); err != nil {
		util.Warnf("Event store close: %v", err)
	}
	// the redis store owns the shared client
	if redisClient != nil && cfg.Store.Backend != "redis" {
		if err := redisClient.Close(); err != nil {
			util.Warnf("Redis close: %v", err)
		}
	}
	if err := debugServer.Stop(); err != nil {
		util.Warnf("Debug server shutdown: %v", err)
	}
	agent.Stop()

	util.Info("Tracker stopped")
}
