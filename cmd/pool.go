package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/smazurov/procvisor/internal/events"
	"github.com/smazurov/procvisor/internal/logging"
	"github.com/smazurov/procvisor/internal/pool"
)

// errorProfile collects errors attached by pool.ExecOptions.Profile.
type errorProfile struct {
	mu   sync.Mutex
	errs []error
}

func (p *errorProfile) AddError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
}

func (p *errorProfile) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// CreatePoolCmd creates the pool command group.
func CreatePoolCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Run registered tasks in worker processes",
	}
	cmd.AddCommand(poolExecCmd(opts), poolMapCmd(opts))
	return cmd
}

func poolExecCmd(opts *Options) *cobra.Command {
	var fetch bool
	cmd := &cobra.Command{
		Use:   "exec <task> [args...]",
		Short: "Run one task in its own process",
		Long: `Runs a registered task in a separate process. With --fetch the task runs in a ` +
			`one-worker pool and its JSON result is printed; errors are reported on stderr.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			bus := events.New()
			defer watchPoolEvents(bus, logging.GetLogger("pool"))()
			profile := &errorProfile{}
			result := opts.factory(bus).ExecuteSingle(c.Context(), args[0], args[1:], pool.ExecOptions{
				FetchResult: fetch,
				Timeout:     opts.ExecTimeout,
				Profile:     profile,
			})
			if err := profile.Err(); err != nil {
				return err
			}
			if fetch {
				return printJSON(c, result)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fetch, "fetch", false, "Wait for the task and print its result")
	return cmd
}

func poolMapCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "map <task> <arg>...",
		Short: "Run a task once per argument across a worker pool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			logger := logging.GetLogger("pool")
			bus := events.New()
			defer watchPoolEvents(bus, logger)()
			p, err := opts.factory(bus).CreatePool(c.Context(), opts.PoolSize)
			if err != nil {
				return err
			}
			defer func() {
				if c.Context().Err() != nil {
					p.StopAll()
					return
				}
				p.Close()
				p.Join()
			}()
			logger.Info("Pool ready", "size", p.Size(), "pids", p.PIDs())

			results := make([]*pool.AsyncResult, 0, len(args)-1)
			for _, arg := range args[1:] {
				results = append(results, p.ApplyAsync(args[0], []string{arg}))
			}
			var errs []error
			for i, r := range results {
				v, err := r.Get(c.Context())
				if err != nil {
					errs = append(errs, fmt.Errorf("%s %s: %w", args[0], args[i+1], err))
					continue
				}
				if err := printJSON(c, v); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
}

// watchPoolEvents logs pool retries and worker failures published on bus
// until the returned func is called.
func watchPoolEvents(bus *events.Bus, logger logging.Logger) (unsubscribe func()) {
	unsubs := []func(){
		events.On(bus, func(e events.PoolRetryEvent) {
			logger.Warn("Retrying pool creation", "attempt", e.Attempt, "delay", e.Delay, "error", e.Error)
		}),
		events.On(bus, func(e events.WorkerFailedEvent) {
			logger.Warn("Worker failed", "desc", e.Desc, "kind", e.Kind, "error", e.Error)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func printJSON(c *cobra.Command, v any) error {
	enc := json.NewEncoder(c.OutOrStdout())
	return enc.Encode(v)
}
