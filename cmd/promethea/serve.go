package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/promethea-labs/promethea/internal/doctor"
	"github.com/promethea-labs/promethea/internal/gateway"
	"github.com/promethea-labs/promethea/internal/web"
)

func newServeCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the gateway: the HTTP/SSE surface, the conversation scheduler,
the tool service, and the memory service.

Graceful shutdown is handled on SIGINT/SIGTERM: in-flight turns drain up to
the configured deadline, then remaining turns abort.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configDir)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", "config", "configuration directory")
	return cmd
}

func runServe(configDir string) error {
	rt, err := gateway.New(configDir)
	if err != nil {
		return &exitError{code: exitStartup, err: err}
	}

	server := web.NewServer(rt, configDir)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		rt.Logger.Info(context.Background(), "shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			rt.Shutdown(context.Background())
			return &exitError{code: exitStartup, err: err}
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		rt.Shutdown(ctx)
		return &exitError{code: exitRuntime, err: fmt.Errorf("shutdown: %w", err)}
	}
	rt.Shutdown(ctx)
	return nil
}

func newDoctorCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run self-diagnostics without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := gateway.New(configDir)
			if err != nil {
				return &exitError{code: exitStartup, err: err}
			}
			defer rt.Shutdown(context.Background())

			checks := doctor.Run(cmd.Context(), doctor.Deps{
				Snapshot: rt.Config.Snapshot,
				StorePing: func(ctx context.Context) error {
					_, err := rt.Store.ListSessions(ctx, "doctor-probe")
					return err
				},
				MemoryPing:     rt.Memory.Ping,
				MemoryEnabled:  rt.Memory.Enabled,
				BusDropped:     rt.BusDropped,
				PendingConfirm: rt.Engine.Confirms().Len,
				Connections:    rt.Connections.Count,
			})

			out, err := json.MarshalIndent(checks, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", "config", "configuration directory")
	return cmd
}
