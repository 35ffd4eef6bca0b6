// Package main provides the CLI entry point for the relay MCP broker.
//
// Relay speaks line-delimited JSON-RPC 2.0 on stdio and brokers tool calls
// to upstream AI providers (OpenAI, Anthropic, Gemini), with session
// continuity, context assembly, async jobs and project memory backed by a
// single SQLite database.
//
// # Basic Usage
//
// Start the broker (this is also the default when no subcommand is given):
//
//	relay serve --config relay.yaml
//
// Manage database migrations:
//
//	relay migrate
//	relay migrate-status
//	relay migrate-rollback --to-version 2
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file (default: relay.yaml)
//   - RELAY_DB_PATH: Database file path override
//   - RELAY_CATALOG: Catalog file path override
//   - RELAY_LOG_LEVEL: Log level override
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: provider credentials
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// exitConfigError distinguishes startup configuration failures from runtime
// failures in the process exit code.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfigError = 2
)

// configError wraps failures that should exit with exitConfigError.
type configError struct {
	err error
}

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitConfigError)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "MCP stdio broker for multi-provider AI tool calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := buildServeCmd()
	root.AddCommand(serve)
	root.AddCommand(buildMigrateCmd())
	root.AddCommand(buildMigrateStatusCmd())
	root.AddCommand(buildMigrateRollbackCmd())

	// Running relay with no subcommand serves: MCP clients launch the binary
	// directly and speak JSON-RPC on its stdio.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// resolveConfigPath applies the RELAY_CONFIG fallback. A missing default file
// is not an error; defaults apply.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("relay.yaml"); err == nil {
		return "relay.yaml"
	}
	return ""
}
