// Package main is the entry point for the asap-agent binary: a thin CLI
// wrapper over pkg/server, pkg/client, and pkg/delegation. It runs a
// server (serve), sends one envelope to a peer (send), fetches a peer's
// manifest (manifest), or issues/revokes a delegation token
// (delegations issue|revoke).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "asap-agent",
		Short: "asap-agent — run or talk to an ASAP protocol agent",
		Long: `asap-agent runs an ASAP agent's HTTP server or acts as a
one-shot client: sending an envelope, fetching a manifest, or managing
delegation tokens against a running agent.`,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newManifestCmd())
	root.AddCommand(newDelegationsCmd())
	root.AddCommand(newVersionCmd())

	return root
}

var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("asap-agent %s (commit: %s)\n", version, commit)
		},
	}
}
