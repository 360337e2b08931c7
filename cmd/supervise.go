package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/config"
	"github.com/smazurov/procvisor/internal/coordinator"
	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/metrics/exporters"
	"github.com/smazurov/procvisor/internal/systemd"
)

// CreateSuperviseCmd creates the supervise command.
func CreateSuperviseCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Start configured daemons and keep them running",
		Long: `Starts every daemon declared in the config file and restarts any that die. ` +
			`SIGINT, SIGTERM or a raised workers-exit flag stops the daemons and exits.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSupervisor(ctx, opts, c.OutOrStdout())
		},
	}
}

type supervisor struct {
	opts     *Options
	logger   logging.Logger
	daemons  []*daemon.Daemon
	coord    *coordinator.Coordinator
	notifier *systemd.Notifier
}

func runSupervisor(ctx context.Context, opts *Options, out io.Writer) error {
	logger := logging.GetLogger("supervise")
	bus := events.New()

	daemons, err := opts.loadDaemons(bus)
	if err != nil {
		return err
	}
	store, err := opts.openStore()
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	s := &supervisor{
		opts:    opts,
		logger:  logger,
		daemons: daemons,
		coord: coordinator.New(store,
			coordinator.WithLogger(logging.GetLogger("coordinator")),
			coordinator.WithEventBus(bus),
		),
		notifier: systemd.NewNotifier(),
	}
	if err := s.coord.SetWorkersExit(ctx, false); err != nil {
		logger.Warn("Unable to reset workers exit flag", "error", err)
	}

	eventCh := make(chan any, 64)
	unsubs := []func(){
		events.SubscribeToChannel[events.DaemonStartedEvent](bus, eventCh),
		events.SubscribeToChannel[events.DaemonStoppedEvent](bus, eventCh),
		events.SubscribeToChannel[events.WorkerFailedEvent](bus, eventCh),
		events.SubscribeToChannel[events.WorkersExitFlagEvent](bus, eventCh),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	if opts.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		metricsDone := make(chan struct{})
		go func() {
			defer close(metricsDone)
			if err := exporters.Serve(metricsCtx, opts.MetricsAddr, logger); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() {
			stopMetrics()
			<-metricsDone
		}()
	}

	if _, err := os.Stat(opts.Config); err == nil {
		watcher := config.NewLoggingWatcher(opts.Config, opts.loggingConfig(), logger)
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("Supervising daemons", "count", len(daemons), "interval", opts.CheckInterval)
	s.ensureRunning(ctx)
	fmt.Fprintln(out, renderDaemonTable(daemons, isTerminal(out)))
	s.notify(s.notifier.Ready())
	s.notify(s.notifier.Status("supervising %d daemons", len(daemons)))

	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var watchdog <-chan time.Time
	if wd := systemd.WatchdogInterval(); wd > 0 {
		wdTicker := time.NewTicker(wd)
		defer wdTicker.Stop()
		watchdog = wdTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown requested", "cause", context.Cause(ctx))
			return s.shutdown()
		case <-ticker.C:
			if exit, err := s.coord.ShouldWorkersExit(ctx); err != nil {
				logger.Warn("Unable to read workers exit flag", "error", err)
			} else if exit {
				logger.Info("Workers exit flag raised; shutting down")
				return s.shutdown()
			}
			s.ensureRunning(ctx)
		case <-watchdog:
			s.notify(s.notifier.Watchdog())
		case ev := <-eventCh:
			logEvent(logger, ev)
		}
	}
}

// ensureRunning starts every daemon whose PID file names no live process.
func (s *supervisor) ensureRunning(ctx context.Context) {
	for _, d := range s.daemons {
		if d.Running() {
			continue
		}
		if err := d.Start(ctx); err != nil && !errors.Is(err, daemon.ErrAlreadyRunning) {
			s.logger.Error("Failed to start daemon", "id", d.ID(), "error", err)
		}
	}
}

func (s *supervisor) notify(err error) {
	if err != nil {
		s.logger.Debug("Service manager notification failed", "error", err)
	}
}

func (s *supervisor) shutdown() error {
	s.notify(s.notifier.Stopping())
	budget := time.Duration(s.opts.StopAttempts+1) * s.opts.StopInterval
	ctx, cancel := context.WithTimeout(context.Background(), budget+5*time.Second)
	defer cancel()

	// The flag is raised only while the daemons stop. TerminateThreads clears
	// it, so supervise always exits with the flag false.
	if err := s.coord.SetWorkersExit(ctx, true); err != nil {
		s.logger.Warn("Unable to raise workers exit flag", "error", err)
	}

	var errs []error
	for _, d := range s.daemons {
		if err := d.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", d.ID(), err))
		}
	}

	if left := s.coord.TerminateThreads(ctx, false); left > 0 {
		s.logger.Warn("Workers still running at exit", "count", left)
	}
	return errors.Join(errs...)
}

func logEvent(logger logging.Logger, ev any) {
	switch e := ev.(type) {
	case events.DaemonStartedEvent:
		logger.Info("Daemon up", "id", e.DaemonID, "pid", e.PID)
	case events.DaemonStoppedEvent:
		if e.Stopped {
			logger.Info("Daemon down", "id", e.DaemonID, "pid", e.PID, "attempts", e.Attempts)
		} else {
			logger.Warn("Daemon survived stop", "id", e.DaemonID, "pid", e.PID, "attempts", e.Attempts)
		}
	case events.WorkerFailedEvent:
		logger.Warn("Worker failed", "desc", e.Desc, "kind", e.Kind, "error", e.Error)
	case events.WorkersExitFlagEvent:
		logger.Debug("Workers exit flag changed", "value", e.Value)
	}
}
