package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/haasonsaas/walletbroker/internal/approval"
	"github.com/haasonsaas/walletbroker/internal/auth"
	"github.com/haasonsaas/walletbroker/internal/config"
	"github.com/haasonsaas/walletbroker/internal/gateway"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/port/grpcport"
	"github.com/haasonsaas/walletbroker/internal/port/wsport"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/storage"
)

// =============================================================================
// Request Handlers
// =============================================================================

// openRemotePage wires a local page and relay to a broker's handler channels
// over the selected transport.
func openRemotePage(cmd *cobra.Command, flags requestFlags) (*gateway.Page, func(), error) {
	addr := resolveAddr(flags.addr)
	var (
		dialer  port.Dialer
		cleanup = func() {}
	)
	switch strings.ToLower(flags.transport) {
	case "", "websocket", "ws":
		dialer = &wsport.Dialer{BaseURL: "ws://" + addr}
	case "grpc":
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial grpc %s: %w", addr, err)
		}
		dialer = &grpcport.Dialer{Conn: conn}
		cleanup = func() { _ = conn.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", flags.transport)
	}

	page, err := gateway.OpenPage(cmd.Context(), gateway.PageConfig{Origin: flags.origin, Dialer: dialer})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return page, func() {
		page.Close()
		cleanup()
	}, nil
}

func runRequestConnect(cmd *cobra.Command, flags requestFlags) error {
	page, closePage, err := openRemotePage(cmd, flags)
	if err != nil {
		return err
	}
	defer closePage()

	account, err := page.Connect(cmd.Context())
	if err != nil {
		return describeRequestError(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), account)
	return nil
}

func runRequestSend(cmd *cobra.Command, flags requestFlags, to, value, data string, tokens []string) error {
	tx := protocol.TransactionRequest{To: to}
	if value != "" {
		amount := protocol.Amount(value)
		tx.Value = &amount
	}
	if data != "" {
		tx.Data = &data
	}
	for _, arg := range tokens {
		id, amount, ok := strings.Cut(arg, "=")
		if !ok || id == "" || amount == "" {
			return fmt.Errorf("invalid --token %q, want <id>=<amount>", arg)
		}
		tx.Tokens = append(tx.Tokens, protocol.Token{ID: id, Amount: protocol.Amount(amount)})
	}

	page, closePage, err := openRemotePage(cmd, flags)
	if err != nil {
		return err
	}
	defer closePage()

	receipt, err := page.SendTransaction(cmd.Context(), tx)
	if err != nil {
		return describeRequestError(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), receipt)
	return nil
}

func describeRequestError(err error) error {
	if perr, ok := protocol.AsError(err); ok {
		return fmt.Errorf("request failed: %s: %s", perr.Code, perr.Message)
	}
	return err
}

// =============================================================================
// Store Handlers
// =============================================================================

func runAuthorizationsList(cmd *cobra.Command, addr string) error {
	var resp struct {
		Authorizations []storage.Authorization `json:"authorizations"`
	}
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).getJSON(cmd.Context(), "/authorizations", &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Authorizations) == 0 {
		fmt.Fprintln(out, "No authorized origins.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORIGIN\tACCOUNT\tGRANTED")
	for _, a := range resp.Authorizations {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Origin, a.Account, a.GrantedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAuthorizationsRevoke(cmd *cobra.Command, addr, origin string) error {
	path := "/authorizations/" + url.PathEscape(origin)
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).do(cmd.Context(), "DELETE", path, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", origin)
	return nil
}

func runAuthorizationsRevokeAll(cmd *cobra.Command, addr string) error {
	var resp struct {
		Revoked int `json:"revoked"`
	}
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).do(cmd.Context(), "DELETE", "/authorizations", &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %d origin(s)\n", resp.Revoked)
	return nil
}

func runActivity(cmd *cobra.Command, addr, account string) error {
	var resp struct {
		Activity []storage.Activity `json:"activity"`
	}
	path := "/activity/" + url.PathEscape(account)
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).getJSON(cmd.Context(), path, &resp); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(resp.Activity) == 0 {
		fmt.Fprintln(out, "No activity.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSUCCESS\tAMOUNT\tTOKEN\tTX")
	for _, a := range resp.Activity {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			a.RecordedAt.Format(time.RFC3339), a.ActivityType, a.Success, a.Amount, a.Token, a.TxHash)
	}
	return w.Flush()
}

func runApprovalsList(cmd *cobra.Command, addr string) error {
	var resp struct {
		Approvals []approval.View `json:"approvals"`
	}
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).getJSON(cmd.Context(), "/approvals", &resp); err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Approvals)
}

func runApprovalAction(cmd *cobra.Command, addr, requestID, verb string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	path := "/approvals/" + url.PathEscape(requestID) + "/" + verb
	if err := newAPIClient(resolveAddr(addr), resolveToken(cmd)).do(ctx, "POST", path, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", requestID, verb)
	return nil
}

// runToken mints a bearer token from the configured server.auth.jwt_secret.
func runToken(cmd *cobra.Command, path, subject string, expiry time.Duration) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if expiry == 0 {
		expiry = cfg.Server.Auth.TokenExpiry
	}
	token, err := auth.NewJWTService(cfg.Server.Auth.JWTSecret, expiry).Generate(subject)
	if errors.Is(err, auth.ErrAuthDisabled) {
		return fmt.Errorf("%s has no server.auth.jwt_secret; privileged routes are open", path)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}

func runConfigValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (version %d, storage %s, approval %s)\n",
		path, cfg.Version, cfg.Storage.Driver, cfg.Approval.Mode)
	return nil
}
