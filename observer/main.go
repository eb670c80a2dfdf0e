package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skywatch-dev/skywatch/observer/arbiter"
	"github.com/skywatch-dev/skywatch/observer/collector"
	"github.com/skywatch-dev/skywatch/observer/config"
	"github.com/skywatch-dev/skywatch/observer/runner"
	"github.com/skywatch-dev/skywatch/observer/scheduler"
	"github.com/skywatch-dev/skywatch/observer/source"
	"github.com/skywatch-dev/skywatch/observer/store"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:           "skywatch",
		Short:         "Distributed observer fleet worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "config file (overrides well-known locations)")

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	killer := NewKiller(cancel)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("signal received, shutting down")
		killer.Kill(true)
	}()

	connectCtx, connectCancel := context.WithTimeout(rootCtx, 15*time.Second)
	defer connectCancel()
	st, err := store.Connect(connectCtx, cfg.Store.URI, cfg.Store.Database)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = st.Close(closeCtx)
	}()

	kinds := enabledKinds(cfg)
	if len(kinds) == 0 {
		log.Warn().Msg("no source kinds enabled")
	}

	naturalKeys := map[string]string{}
	for _, k := range kinds {
		naturalKeys[k.Name] = k.NaturalKey
	}
	if err := st.EnsureIndexes(connectCtx, naturalKeys); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	pipeline := collector.New(st.Catalog(), destinations(cfg), collector.Options{})
	pipeline.Start(rootCtx)

	schedCfg := scheduler.Config{
		ScheduleInterval: cfg.Schedule.ScheduleInterval,
		BalanceInterval:  cfg.Schedule.BalanceInterval,
		MaxInterval:      cfg.Schedule.MaxInterval,
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	instance := arbiter.NewInstanceContext()
	drivers := map[string]*scheduler.Driver{}
	for _, k := range kinds {
		drivers[k.Name] = scheduler.NewDriver(k.Name, schedCfg)
	}

	repos := map[string]repo{}
	for i := 0; i < workers; i++ {
		arb := arbiter.NewArbiterContext(instance.ID())
		arb.Register("collector", pipeline)
		for _, k := range kinds {
			tasks := st.Tasks(k.Name, k.NaturalKey)
			repos[k.Name] = tasks
			sched := scheduler.New(tasks, schedCfg, constructorFor(rootCtx, k, pipeline, schedCfg, killer))
			drivers[k.Name].Register(sched)
			sched.Start(rootCtx)
			arb.Register("scheduler/"+k.Name, sched)
		}
		instance.Register(arb)
	}
	for _, d := range drivers {
		d.Start(rootCtx)
	}
	log.Info().Int("workers", workers).Int("kinds", len(kinds)).Msg("fleet worker started")

	if cfg.HTTP.Enabled {
		api := NewAPI(st.Catalog(), repos, kinds, instance)
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Handler: api.Routes(),
		}
		killer.AttachServer(srv)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
		case <-rootCtx.Done():
		}
		return nil
	}

	<-rootCtx.Done()
	return nil
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// enabledKinds builds the kind set from the per-source feature toggles.
func enabledKinds(cfg *config.Config) []source.Kind {
	var kinds []source.Kind
	if cfg.Source.Feed.Enabled {
		kinds = append(kinds, source.FeedKind(source.FeedConfig{
			Token:        cfg.Source.Feed.Token,
			PollInterval: cfg.Source.Feed.PollInterval,
		}))
	}
	if cfg.Source.Live.Enabled {
		kinds = append(kinds, source.LiveKind(source.LiveConfig{
			Endpoint: cfg.Source.Live.Endpoint,
			Token:    cfg.Source.Live.Token,
		}))
	}
	if cfg.Source.Debug.Enabled {
		kinds = append(kinds, source.DebugKind(cfg.Source.Debug.Interval))
	}
	return kinds
}

// destinations builds the collector fan-out set from config.
func destinations(cfg *config.Config) []collector.Factory {
	var factories []collector.Factory
	if cfg.Collector.AMQP.Enabled {
		factories = append(factories, collector.NewAMQPFactory(cfg.Collector.AMQP.URI, cfg.Collector.AMQP.Exchange))
	}
	if cfg.Collector.Redis.Enabled {
		factories = append(factories, collector.NewRedisFactory(cfg.Collector.Redis.Addr, cfg.Collector.Redis.Channel))
	}
	if cfg.Collector.Debug.Enabled {
		factories = append(factories, collector.DebugFactory{})
	}
	return factories
}

// constructorFor closes over one kind's upstream builder. Runners get the
// scheduler back-reference for heartbeats and the shared pipeline for
// publishing; a panic in any of them brings the process down.
func constructorFor(ctx context.Context, k source.Kind, pipeline *collector.Pipeline, schedCfg scheduler.Config, killer *Killer) scheduler.Constructor {
	return func(doc *store.TaskDoc, info store.TaskInfo, sched *scheduler.Scheduler) (scheduler.RunnerHandle, error) {
		up, err := k.NewUpstream(doc.Payload, doc.Cursor)
		if err != nil {
			return nil, err
		}
		r := runner.New(doc, up, sched, pipeline, schedCfg.MaxInterval/2, killer.OnPanic)
		r.Start(ctx)
		return r, nil
	}
}
