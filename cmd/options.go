package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/cache"
	"github.com/smazurov/procvisor/internal/config"
	"github.com/smazurov/procvisor/internal/daemon"
	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/pool"
)

// Options for the CLI - flat structure with toml mapping. Flag names are
// derived from field names by config.LoadConfig, so keep them in step.
type Options struct {
	Config string

	// Daemon settings
	PidDir       string        `toml:"daemon.pid_dir" env:"DAEMON_PID_DIR"`
	DaemonsDir   string        `toml:"daemon.daemons_dir" env:"DAEMON_DAEMONS_DIR"`
	PidGroup     string        `toml:"daemon.pid_group" env:"DAEMON_PID_GROUP"`
	StopAttempts int           `toml:"daemon.stop_attempts" env:"DAEMON_STOP_ATTEMPTS"`
	StopInterval time.Duration `toml:"daemon.stop_interval" env:"DAEMON_STOP_INTERVAL"`

	// Pool settings
	PoolSize          int           `toml:"pool.size" env:"POOL_SIZE"`
	PoolRetryAttempts int           `toml:"pool.retry_attempts" env:"POOL_RETRY_ATTEMPTS"`
	PoolRetryInitial  time.Duration `toml:"pool.retry_initial" env:"POOL_RETRY_INITIAL"`
	PoolRetryMax      time.Duration `toml:"pool.retry_max" env:"POOL_RETRY_MAX"`
	PoolReadyTimeout  time.Duration `toml:"pool.ready_timeout" env:"POOL_READY_TIMEOUT"`
	ExecTimeout       time.Duration `toml:"pool.exec_timeout" env:"POOL_EXEC_TIMEOUT"`

	// Shared cache holding the workers-exit flag
	CacheDriver string `toml:"cache.driver" env:"CACHE_DRIVER"`
	CachePath   string `toml:"cache.path" env:"CACHE_PATH"`

	// Supervision
	MetricsAddr   string        `toml:"supervise.metrics_addr" env:"SUPERVISE_METRICS_ADDR"`
	CheckInterval time.Duration `toml:"supervise.check_interval" env:"SUPERVISE_CHECK_INTERVAL"`

	// Logging settings
	LoggingLevel       string `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat      string `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingDaemon      string `toml:"logging.daemon" env:"LOGGING_DAEMON"`
	LoggingWorker      string `toml:"logging.worker" env:"LOGGING_WORKER"`
	LoggingPool        string `toml:"logging.pool" env:"LOGGING_POOL"`
	LoggingCoordinator string `toml:"logging.coordinator" env:"LOGGING_COORDINATOR"`

	// Output overrides stdout for logs; tests capture it.
	Output io.Writer
}

func (o *Options) bindFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVarP(&o.Config, "config", "c", "procvisor.toml", "Path to configuration file")

	f.StringVar(&o.PidDir, "pid-dir", daemon.DefaultPIDDir(), "Directory holding daemon PID files")
	f.StringVar(&o.DaemonsDir, "daemons-dir", daemon.DefaultDaemonsDir(), "Directory holding function daemon executable links")
	f.StringVar(&o.PidGroup, "pid-group", "", "Group owner given to a newly created PID directory")
	f.IntVar(&o.StopAttempts, "stop-attempts", daemon.DefaultStopPolicy().Attempts, "Kill attempts before giving up on a daemon")
	f.DurationVar(&o.StopInterval, "stop-interval", daemon.DefaultStopPolicy().Interval, "Delay between kill attempts")

	rp := pool.DefaultRetryPolicy()
	f.IntVar(&o.PoolSize, "pool-size", 0, "Pool size; 0 uses the number of CPUs")
	f.IntVar(&o.PoolRetryAttempts, "pool-retry-attempts", rp.Attempts, "Pool creation attempts on transient errors")
	f.DurationVar(&o.PoolRetryInitial, "pool-retry-initial", rp.Initial, "First pool creation retry delay")
	f.DurationVar(&o.PoolRetryMax, "pool-retry-max", rp.Max, "Maximum pool creation retry delay")
	f.DurationVar(&o.PoolReadyTimeout, "pool-ready-timeout", 10*time.Second, "How long a pool worker may take to report ready")
	f.DurationVar(&o.ExecTimeout, "exec-timeout", pool.DefaultExecTimeout, "Timeout for a single executed task")

	f.StringVar(&o.CacheDriver, "cache-driver", "sqlite", "Shared cache backend (sqlite, memory)")
	f.StringVar(&o.CachePath, "cache-path", filepath.Join(os.TempDir(), "procvisor", "cache.db"), "SQLite cache database")

	f.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.DurationVar(&o.CheckInterval, "check-interval", 5*time.Second, "How often supervise checks daemon liveness")

	f.StringVar(&o.LoggingLevel, "logging-level", "info", "Global logging level (debug, info, warn, error)")
	f.StringVar(&o.LoggingFormat, "logging-format", "text", "Logging format (text, json)")
	f.StringVar(&o.LoggingDaemon, "logging-daemon", "info", "Daemon logging level")
	f.StringVar(&o.LoggingWorker, "logging-worker", "info", "Worker logging level")
	f.StringVar(&o.LoggingPool, "logging-pool", "info", "Pool logging level")
	f.StringVar(&o.LoggingCoordinator, "logging-coordinator", "info", "Coordinator logging level")
}

// load applies the config file and environment, then initializes logging.
func (o *Options) load(cmd *cobra.Command) error {
	if err := config.LoadConfig(o, cmd); err != nil {
		return err
	}
	logging.Initialize(o.loggingConfig())
	return nil
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"daemon":      o.LoggingDaemon,
			"worker":      o.LoggingWorker,
			"pool":        o.LoggingPool,
			"coordinator": o.LoggingCoordinator,
		},
		Output: o.Output,
	}
}

func (o *Options) daemonOptions(bus *events.Bus) []daemon.Option {
	return []daemon.Option{
		daemon.WithPIDDir(o.PidDir),
		daemon.WithDaemonsDir(o.DaemonsDir),
		daemon.WithPIDGroup(o.PidGroup),
		daemon.WithStopPolicy(daemon.StopPolicy{Attempts: o.StopAttempts, Interval: o.StopInterval}),
		daemon.WithLogger(logging.GetLogger("daemon")),
		daemon.WithEventBus(bus),
	}
}

// loadDaemons builds every daemon declared in the config file.
func (o *Options) loadDaemons(bus *events.Bus) ([]*daemon.Daemon, error) {
	configs, err := config.LoadDaemons(o.Config)
	if err != nil {
		return nil, err
	}
	daemons := make([]*daemon.Daemon, 0, len(configs))
	for _, dc := range configs {
		d, err := dc.Build(o.daemonOptions(bus)...)
		if err != nil {
			return nil, err
		}
		daemons = append(daemons, d)
	}
	return daemons, nil
}

// findDaemon builds the configured daemon with the given id.
func (o *Options) findDaemon(id string, bus *events.Bus) (*daemon.Daemon, error) {
	configs, err := config.LoadDaemons(o.Config)
	if err != nil {
		return nil, err
	}
	dc, ok := config.FindDaemon(configs, id)
	if !ok {
		return nil, fmt.Errorf("daemon %q is not configured in %s", id, o.Config)
	}
	return dc.Build(o.daemonOptions(bus)...)
}

func (o *Options) factory(bus *events.Bus) *pool.Factory {
	return pool.NewFactory(
		pool.WithRetryPolicy(pool.RetryPolicy{
			Attempts: o.PoolRetryAttempts,
			Initial:  o.PoolRetryInitial,
			Max:      o.PoolRetryMax,
		}),
		pool.WithReadyTimeout(o.PoolReadyTimeout),
		pool.WithLogger(logging.GetLogger("pool")),
		pool.WithEventBus(bus),
	)
}

func (o *Options) openStore() (cache.Store, error) {
	switch o.CacheDriver {
	case "memory":
		return cache.NewMemory(), nil
	case "sqlite", "":
		return cache.OpenSQLite(o.CachePath)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", o.CacheDriver)
	}
}
