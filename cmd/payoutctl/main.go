package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)

	rootCmd := &cobra.Command{
		Use:           "payoutctl",
		Short:         "Operate the payout orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("PAYOUTS_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8090"
	}

	rootCmd.PersistentFlags().StringVar(&server, "server", defaultServer,
		"Orchestrator API base URL (env PAYOUTS_URL)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second,
		"Request timeout")

	client := func() *Client {
		return NewClient(server, timeout)
	}

	rootCmd.AddCommand(submitCmd(client))
	rootCmd.AddCommand(statusCmd(client))
	rootCmd.AddCommand(historyCmd(client))
	rootCmd.AddCommand(cancelCmd(client))
	rootCmd.AddCommand(errorsCmd(client))
	rootCmd.AddCommand(walletCmd())

	return rootCmd
}
