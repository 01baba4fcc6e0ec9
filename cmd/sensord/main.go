package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/sensord/internal/api"
	"codeberg.org/mutker/sensord/internal/chart"
	"codeberg.org/mutker/sensord/internal/config"
	"codeberg.org/mutker/sensord/internal/logger"
	"codeberg.org/mutker/sensord/internal/pid"
	"codeberg.org/mutker/sensord/internal/pipeline"
	"codeberg.org/mutker/sensord/internal/prefs"
	"codeberg.org/mutker/sensord/internal/presence"
	"codeberg.org/mutker/sensord/internal/registry"
	"codeberg.org/mutker/sensord/internal/samples"
	"codeberg.org/mutker/sensord/internal/scheduler"
	"codeberg.org/mutker/sensord/internal/source"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.GetLogLevel(), logger.IsService())
	logger.Debug().Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("sensord stopped with error")
		cancel()
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

// run wires the components and blocks until ctx is cancelled. Deferred calls
// tear down in reverse order: pipeline, source, presence, state, store, PID.
func run(ctx context.Context, cfg config.Provider) error {
	pidFile := pid.New(cfg.GetPIDDir())
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	storeCfg := samples.DefaultConfig()
	storeCfg.DBPath = cfg.GetDatabasePath()
	repo, err := samples.NewRepository(storeCfg, logger.Component("samples"))
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close sample store")
		}
	}()

	state, err := openState(ctx, cfg, repo)
	if err != nil {
		return err
	}
	defer state.Close()

	reg, err := registry.New(ctx, registry.DefaultDefinitions(), state)
	if err != nil {
		return err
	}

	notifier := presence.New(reg)
	notifier.Start(ctx)
	defer notifier.Stop()

	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close sensor source")
		}
	}()

	// The pipeline hook is registered first so a stream is subscribed before
	// the scheduler flushes it
	pipe := pipeline.New(reg, src)
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	defer pipe.Stop()

	sched := scheduler.New(reg, repo, scheduler.Config{
		Interval: cfg.GetInterval(),
		Workers:  cfg.GetWorkers(),
	})
	reg.OnActivation(sched.OnActivation)
	reg.OnValue(sched.OnValue)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if addr := cfg.GetHTTPListen(); addr != "" {
		server := api.New(addr, reg, chart.New(reg, repo), notifier)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	logger.Info().
		Int("streams", len(reg.List())).
		Int("active", len(reg.Active())).
		Str("source", string(cfg.GetSourceKind())).
		Msg("sensord started")

	return g.Wait()
}

func openState(ctx context.Context, cfg config.Provider, repo *samples.Repository) (prefs.Store, error) {
	switch cfg.GetStateBackend() {
	case config.StateYAML:
		return prefs.NewYAML(cfg.GetStateFile())
	case config.StateMemory:
		logger.Warn().Msg("Activation state is kept in memory and will not survive a restart")
		return prefs.NewMemory(), nil
	default:
		return prefs.NewSQLite(ctx, repo.DB())
	}
}

func openSource(ctx context.Context, cfg config.Provider) (source.Source, error) {
	if cfg.GetSourceKind() == config.SourceMQTT {
		return source.DialMQTT(ctx, source.MQTTConfig{
			Broker:      cfg.GetMQTTBroker(),
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
			ClientID:    cfg.GetMQTTClientID(),
		})
	}
	return source.NewSimulated(cfg.GetSourceRate()), nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
