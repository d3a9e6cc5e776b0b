package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/marctheshark3/mining-wave/internal/backfill"
	"github.com/marctheshark3/mining-wave/internal/chain"
	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/demurrage"
	"github.com/marctheshark3/mining-wave/internal/pool"
	"github.com/marctheshark3/mining-wave/internal/storage"
	"github.com/marctheshark3/mining-wave/internal/util"
)

type options struct {
	Config  string `long:"config" env:"MINING_WAVE_CONFIG" description:"path to configuration file"`
	Action  string `long:"action" env:"MINING_WAVE_ACTION" description:"what to run" choice:"backfill" choice:"summary" default:"backfill"`
	Start   uint64 `long:"start" env:"MINING_WAVE_BACKFILL_START" description:"first height to scan, defaults to the checkpoint + 1"`
	End     uint64 `long:"end" env:"MINING_WAVE_BACKFILL_END" description:"last height to scan, defaults to the confirmed tip"`
	Workers int    `long:"workers" env:"MINING_WAVE_BACKFILL_WORKERS" description:"override backfill.workers"`
	Limit   int    `long:"limit" description:"events listed by summary" default:"20"`
}

func main() {
	opts := options{}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic("can't initialize zap logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync()
	}()

	if _, err := flags.ParseArgs(&opts, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return
		}
		logger.Fatal("failed to parse flags", zap.Error(err))
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		logger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer util.Sync()

	if opts.Workers > 0 {
		cfg.Backfill.Workers = opts.Workers
	}

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Fatal("demurrage backfill failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger) error {
	var client *redis.Client
	if cfg.Store.Backend == "redis" {
		var err error
		client, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	store, err := storage.Open(cfg.Store, client)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close event store", zap.Error(err))
		}
	}()

	if opts.Action == "summary" {
		return summary(ctx, store, opts.Limit, logger)
	}

	repo, err := pool.Open(cfg.PoolDB, cfg.Demurrage.DefaultPoolHashrate)
	if err != nil {
		return fmt.Errorf("open pool database: %w", err)
	}
	defer func() {
		_ = repo.Close()
	}()

	source := chain.NewSourceFromConfig(ctx, cfg.Chain)
	source.Start()
	defer source.Stop()

	start, end, err := scanRange(ctx, cfg.Backfill, opts, source, store)
	if err != nil {
		return err
	}
	if end < start {
		logger.Info("nothing to scan", zap.Uint64("start", start), zap.Uint64("end", end))
		return nil
	}

	logger.Info("starting backfill",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("workers", cfg.Backfill.Workers),
		zap.Int("rps", cfg.Backfill.RPS),
	)

	runner := backfill.NewRunner(cfg.Backfill, source, store, repo, demurrage.NewClassifier(cfg.Demurrage))
	result, err := runner.Backfill(ctx, start, end)
	if err != nil && result == nil {
		return err
	}

	logger.Info("backfill finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", len(result.Failed)),
		zap.Int("classification_errors", result.ClassificationErrors),
		zap.Int("events", len(result.Events)),
		zap.Uint64("checkpoint", result.Checkpoint),
	)
	if len(result.Failed) > 0 {
		logger.Warn("some heights were not scanned, rerun to retry them", zap.Uint64s("heights", result.Failed))
	}
	return err
}

func scanRange(ctx context.Context, cfg config.BackfillConfig, opts options, tip backfill.TipSource, store storage.EventStore) (uint64, uint64, error) {
	start := opts.Start
	if start == 0 {
		checkpoint, err := store.Checkpoint(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("read checkpoint: %w", err)
		}
		start = max(checkpoint+1, cfg.StartHeight)
	}

	end := opts.End
	if end == 0 {
		height, err := tip.Height(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("read chain height: %w", err)
		}
		if height <= cfg.Confirmations {
			return start, 0, nil
		}
		end = height - cfg.Confirmations
	}
	if end < start && opts.End != 0 {
		return 0, 0, fmt.Errorf("invalid range %d..%d", start, end)
	}
	return start, end, nil
}

func summary(ctx context.Context, store storage.EventStore, limit int, logger *zap.Logger) error {
	checkpoint, err := store.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	events, err := store.RecentEvents(ctx, limit)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	logger.Info("event store", zap.Uint64("checkpoint", checkpoint), zap.Int("listed", len(events)))
	for _, ev := range events {
		logger.Info("event",
			zap.Uint64("height", ev.BlockHeight),
			zap.String("time", util.FormatTimestamp(ev.BlockTimestamp)),
			zap.String("tx", ev.TxID),
			zap.String("direction", string(ev.Direction)),
			zap.Float64("amount", util.ToCoins(ev.Amount)),
			zap.String("confidence", string(ev.Confidence)),
			zap.Int("recipients", ev.RecipientCount),
			zap.String("rule", ev.Rule),
		)
	}
	return nil
}
