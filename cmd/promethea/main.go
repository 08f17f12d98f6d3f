// Package main provides the CLI entry point for the Promethea gateway: a
// multi-user conversational agent runtime with streamed chat over HTTP/SSE,
// policy-gated tool execution, and graph-backed cross-session memory.
//
// Start the server:
//
//	promethea serve --config ./config
//
// Configuration is layered: embedded defaults, config/default.json, per-user
// files under config/users/, then environment variables with double
// underscore nesting (API__API_KEY, MEMORY__NEO4J__URI, ...).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "promethea",
		Short:        "Promethea conversational agent gateway",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newDoctorCommand())

	if err := root.Execute(); err != nil {
		var exit *exitError
		code := exitStartup
		if errors.As(err, &exit) {
			code = exit.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
