package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/gradeflow/internal/config"
	"github.com/ShayCichocki/gradeflow/internal/orchestrator"
)

var (
	workerCmd   = roleCommand("worker", "Consume the tasks queue", orchestrator.RoleTasks)
	notifierCmd = roleCommand("notifier", "Deliver notification callbacks", orchestrator.RoleNotifications)
	streamCmd   = roleCommand("stream", "Dispatch store changes to the flows", orchestrator.RoleStream)
	relayCmd    = roleCommand("relay", "Deliver due durable timers", orchestrator.RoleRelay)
)

var localMemory bool

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run the API and every loop in one process",
	Long: `Run serve, worker, notifier, stream and relay together.

Store, queues and timers use the local SQLite database regardless of the
configured backends, so work survives a restart. With --memory nothing is
written to disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		cfg := *live.Current()
		backend := config.BackendSQLite
		if localMemory {
			backend = config.BackendMemory
		}
		cfg.Store.Backend = backend
		cfg.Queue.Backend = backend
		cfg.Timer.Backend = backend

		set, err := buildBackends(ctx, &cfg)
		if err != nil {
			return err
		}
		defer set.Close()
		orch, err := assemble(ctx, &cfg, set, orchestrator.AllRoles)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return orch.Run(ctx) })
		g.Go(func() error { return serveHTTP(ctx, orch, addrOrDefault()) })
		return g.Wait()
	},
}

func init() {
	localCmd.Flags().BoolVar(&localMemory, "memory", false, "Keep everything in memory")
	localCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: http.addr from config)")
}

// roleCommand returns a command running the given orchestrator roles on the
// configured backends.
func roleCommand(use, short string, roles ...orchestrator.Role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			orch, set, err := newOrchestrator(ctx, roles...)
			if err != nil {
				return err
			}
			defer set.Close()
			if err := orch.Run(ctx); err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			return nil
		},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
