package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the broker.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the wallet request broker",
		Long: `Start the broker with the configured storage, approval mode and chain.

The server will:
1. Load configuration from the specified file (or walletbroker.yaml)
2. Open the authorization, pending transaction and activity stores
3. Start the router listening on its handler and decision channels
4. Start the gRPC server for remote relays
5. Start the HTTP server for ports, approvals, health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  walletbroker serve

  # Start with custom config
  walletbroker serve --config /etc/walletbroker/production.yaml

  # Start with debug logging
  walletbroker serve --debug

  # Apply rate limit changes without restarting
  walletbroker serve --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the config file when it changes")
	return cmd
}

// =============================================================================
// Request Commands
// =============================================================================

type requestFlags struct {
	addr      string
	transport string
	origin    string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "Broker address: HTTP host:port for websocket, gRPC host:port for grpc")
	cmd.Flags().StringVar(&f.transport, "transport", "websocket", "Relay transport (websocket, grpc)")
	cmd.Flags().StringVar(&f.origin, "origin", "", "Origin the request is issued from")
	_ = cmd.MarkFlagRequired("origin")
}

// buildRequestCmd creates the "request" group, which acts as a page.
func buildRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Issue requests to a running broker as a page would",
	}
	cmd.AddCommand(buildRequestConnectCmd(), buildRequestSendCmd())
	return cmd
}

func buildRequestConnectCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Request account access for an origin",
		Example: `  walletbroker request connect --origin https://dapp.example`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestConnect(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildRequestSendCmd() *cobra.Command {
	var (
		flags  requestFlags
		to     string
		value  string
		data   string
		tokens []string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a transaction for approval",
		Example: `  # Native transfer of 1000 base units
  walletbroker request send --origin https://dapp.example --to 0xabc... --value 1000

  # Token transfers
  walletbroker request send --origin https://dapp.example --to 0xabc... --token 0xdef...=25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequestSend(cmd, flags, to, value, data, tokens)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().StringVar(&value, "value", "", "Native amount")
	cmd.Flags().StringVar(&data, "data", "", "Hex call data")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "Token transfer as <id>=<amount> (repeatable)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// =============================================================================
// Store Commands
// =============================================================================

func buildAuthorizationsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "authorizations",
		Aliases: []string{"auth"},
		Short:   "Inspect and revoke origin authorizations",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Broker HTTP address (host:port)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List authorized origins",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAuthorizationsList(cmd, addr)
			},
		},
		&cobra.Command{
			Use:   "revoke <origin>",
			Short: "Revoke one origin",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAuthorizationsRevoke(cmd, addr, args[0])
			},
		},
		&cobra.Command{
			Use:   "revoke-all",
			Short: "Revoke every origin",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runAuthorizationsRevokeAll(cmd, addr)
			},
		},
	)
	return cmd
}

func buildActivityCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "activity <account>",
		Short: "Show the recorded activity for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivity(cmd, addr, args[0])
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Broker HTTP address (host:port)")
	return cmd
}

func buildApprovalsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Work the manual approval queue",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Broker HTTP address (host:port)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprovalsList(cmd, addr)
		},
	})
	for _, verb := range []string{"approve", "reject", "close"} {
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <request-id>",
			Short: "Send " + verb + " for an open approval",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runApprovalAction(cmd, addr, args[0], verb)
			},
		})
	}
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		subject    string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for approval and revocation commands",
		Example: `  export WALLETBROKER_TOKEN=$(walletbroker token --config walletbroker.yaml)
  walletbroker approvals approve r1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), subject, expiry)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default server.auth.token_expiry)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
		validate,
	)
	return cmd
}
