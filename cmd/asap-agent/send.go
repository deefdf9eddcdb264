package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/asap-proto/asap/pkg/client"
	"github.com/asap-proto/asap/pkg/envelope"
)

type sendFlags struct {
	url         string
	sender      string
	recipient   string
	payloadType string
	payloadJSON string
	timeout     time.Duration
	insecure    bool
}

func newSendCmd() *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to a peer agent and print the response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "base URL of the peer's ASAP endpoint (required)")
	cmd.Flags().StringVar(&flags.sender, "sender", "", "this agent's URN (required)")
	cmd.Flags().StringVar(&flags.recipient, "recipient", "", "recipient agent's URN (required)")
	cmd.Flags().StringVar(&flags.payloadType, "payload-type", "task.request", "envelope payload_type")
	cmd.Flags().StringVar(&flags.payloadJSON, "payload", "{}", "JSON payload body")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false, "allow plain http:// URLs")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("recipient")

	return cmd
}

func runSend(ctx context.Context, flags *sendFlags) error {
	var payload any
	if err := json.Unmarshal([]byte(flags.payloadJSON), &payload); err != nil {
		return fmt.Errorf("parse --payload: %w", err)
	}

	env, err := envelope.New(flags.sender, flags.recipient, flags.payloadType, payload)
	if err != nil {
		return err
	}

	cfg := client.DefaultConfig()
	cfg.Timeout = flags.timeout
	cfg.RequireHTTPS = !flags.insecure
	c := client.New(cfg)
	defer c.Close()

	resp, err := c.Send(ctx, flags.url, env)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}
