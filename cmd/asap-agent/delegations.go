package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/asap-proto/asap/pkg/delegation"
)

type delegationsIssueFlags struct {
	serverURL   string
	bearerToken string
	delegateURN string
	scope       []string
	ttl         time.Duration
	timeout     time.Duration
}

type delegationsRevokeFlags struct {
	serverURL   string
	bearerToken string
	timeout     time.Duration
}

func newDelegationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delegations",
		Short: "Issue or revoke delegation tokens against a running agent",
	}
	cmd.AddCommand(newDelegationsIssueCmd())
	cmd.AddCommand(newDelegationsRevokeCmd())
	return cmd
}

func newDelegationsIssueCmd() *cobra.Command {
	flags := &delegationsIssueFlags{}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a delegation token via POST /asap/delegations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegationsIssue(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.serverURL, "server", "", "base URL of the delegating agent, e.g. https://host (required)")
	cmd.Flags().StringVar(&flags.bearerToken, "bearer", "", "bearer token authenticating as the delegator (required)")
	cmd.Flags().StringVar(&flags.delegateURN, "delegate", "", "delegate agent URN (empty for a bearer-wide token)")
	cmd.Flags().StringSliceVar(&flags.scope, "scope", nil, "scope strings granted to the token")
	cmd.Flags().DurationVar(&flags.ttl, "ttl", delegation.DefaultTTL, "token time-to-live")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("bearer")

	return cmd
}

func runDelegationsIssue(ctx context.Context, flags *delegationsIssueFlags) error {
	body, err := json.Marshal(delegation.IssueRequest{
		DelegateURN: flags.delegateURN,
		Scope:       flags.scope,
		TTLSeconds:  int64(flags.ttl.Seconds()),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(flags.serverURL, "/")+"/asap/delegations", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+flags.bearerToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("issue: server returned %s: %s", resp.Status, errBody["error"])
	}

	var out delegation.IssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newDelegationsRevokeCmd() *cobra.Command {
	flags := &delegationsRevokeFlags{}

	cmd := &cobra.Command{
		Use:   "revoke <jti>",
		Short: "Revoke a delegation token (and its descendants) via DELETE /asap/delegations/{jti}",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegationsRevoke(cmd.Context(), flags, args[0])
		},
	}

	cmd.Flags().StringVar(&flags.serverURL, "server", "", "base URL of the delegating agent, e.g. https://host (required)")
	cmd.Flags().StringVar(&flags.bearerToken, "bearer", "", "bearer token authenticating as the original delegator (required)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("server")
	_ = cmd.MarkFlagRequired("bearer")

	return cmd
}

func runDelegationsRevoke(ctx context.Context, flags *delegationsRevokeFlags, jti string) error {
	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()

	url := strings.TrimSuffix(flags.serverURL, "/") + "/asap/delegations/" + jti
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+flags.bearerToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("revoke: server returned %s: %s", resp.Status, errBody["error"])
	}

	fmt.Printf("revoked %s\n", jti)
	return nil
}
