package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/live"
	"pipelined.dev/live/config"
	"pipelined.dev/live/control"
	"pipelined.dev/live/log"
	"pipelined.dev/live/observe"
)

// shutdownTimeout bounds the controller close on exit.
const shutdownTimeout = 10 * time.Second

type runCommand struct {
	config string
	addr   string
	debug  bool
}

func (cmd *runCommand) Name() string {
	return "run"
}

func (cmd *runCommand) Help() string {
	return "Process audio from capture to playback device"
}

func (cmd *runCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.config, "config", "live.yml", "path to the config file")
	fs.StringVar(&cmd.addr, "addr", "", "control server address, overrides the config")
	fs.BoolVar(&cmd.debug, "debug", false, "enable debug logging")
}

func (cmd *runCommand) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cmd.config)
	if err != nil {
		return err
	}
	logger := log.New(cfg.LogLevel)
	cmd.setLevel(logger, cfg)
	addr := cfg.Control.Address
	if cmd.addr != "" {
		addr = cmd.addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mp, shutdown, err := observe.InitProvider(observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     reg,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		return err
	}
	defer metrics.Close()

	ctl, err := live.New(cfg,
		live.WithLogger(logger),
		live.WithRegistry(registry()),
		live.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	if err := metrics.Observe(ctl); err != nil {
		return errors.Join(err, ctl.Close(ctx))
	}

	watcher, err := config.NewWatcher(cmd.config, func(_, cfg *config.Config) {
		cmd.setLevel(logger, cfg)
		if err := ctl.Apply(ctx, cfg); err != nil {
			logger.WithError(err).Warn("config change not applied")
		}
	}, config.WithLogger(logger))
	if err != nil {
		return errors.Join(err, ctl.Close(ctx))
	}
	defer watcher.Stop()

	server := control.New(ctl,
		control.WithLogger(logger),
		control.WithGatherer(reg),
		control.WithReload(func() (*config.Config, error) {
			return config.Load(cmd.config)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		if err := ctl.Start(gctx); err != nil {
			return err
		}
		logger.WithField("pipeline", ctl.Status().PipelineID).Info("engine started")
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("shutting down")
	watcher.Stop()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, ctl.Close(closeCtx))
}

// setLevel applies the log level of the config unless debug is forced.
func (cmd *runCommand) setLevel(l *logrus.Logger, cfg *config.Config) {
	if cmd.debug {
		l.SetLevel(logrus.DebugLevel)
		return
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
}
