// Package main provides the CLI entry point for the wallet request broker.
//
// The broker routes dapp requests (account connection and transaction
// submission) from a page through a content relay to the extension router,
// which opens an approval surface and settles the request with the user's
// decision.
//
// # Basic Usage
//
// Start the broker:
//
//	walletbroker serve --config walletbroker.yaml
//
// Issue a request as a page would:
//
//	walletbroker request connect --origin https://dapp.example
//
// # Environment Variables
//
// Configuration files may reference environment variables with ${NAME}:
//
//   - WALLETBROKER_CONFIG: Path to configuration file (default: walletbroker.yaml)
//   - WALLETBROKER_ADDR: HTTP address of a running broker for client commands
//   - WALLETBROKER_TOKEN: Bearer token for approval and revocation commands
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/walletbroker/internal/observability"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "walletbroker.yaml"

func main() {
	slog.SetDefault(observability.NewLogger(observability.LogConfig{Level: "info", Format: "text"}))

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "walletbroker",
		Short: "Wallet request broker",
		Long: `walletbroker routes dapp requests to a wallet approval surface.

Pages issue connect and sendTransaction requests; the broker checks origin
authorization, validates transactions, opens an approval and returns the
user's decision to the requesting page.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("auth-token", "", "Bearer token for privileged broker API calls (env WALLETBROKER_TOKEN)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRequestCmd(),
		buildAuthorizationsCmd(),
		buildActivityCmd(),
		buildApprovalsCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("WALLETBROKER_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func resolveAddr(addr string) string {
	if strings.TrimSpace(addr) != "" {
		return addr
	}
	if env := strings.TrimSpace(os.Getenv("WALLETBROKER_ADDR")); env != "" {
		return env
	}
	return "127.0.0.1:8645"
}

// resolveToken prefers --auth-token over WALLETBROKER_TOKEN.
func resolveToken(cmd *cobra.Command) string {
	if cmd != nil {
		if f := cmd.Flag("auth-token"); f != nil && strings.TrimSpace(f.Value.String()) != "" {
			return strings.TrimSpace(f.Value.String())
		}
	}
	return strings.TrimSpace(os.Getenv("WALLETBROKER_TOKEN"))
}
