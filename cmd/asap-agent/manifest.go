package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/asap-proto/asap/pkg/client"
)

type manifestFlags struct {
	url      string
	timeout  time.Duration
	insecure bool
}

func newManifestCmd() *cobra.Command {
	flags := &manifestFlags{}

	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Fetch a peer agent's manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.url, "url", "", "manifest URL, e.g. https://host/.well-known/asap/manifest.json (required)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&flags.insecure, "insecure", false, "allow plain http:// URLs")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func runManifest(ctx context.Context, flags *manifestFlags) error {
	cfg := client.DefaultConfig()
	cfg.Timeout = flags.timeout
	cfg.RequireHTTPS = !flags.insecure
	c := client.New(cfg)
	defer c.Close()

	m, err := c.GetManifest(ctx, flags.url)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
