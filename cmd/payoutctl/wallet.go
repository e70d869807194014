package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/openbuilders/payout-orchestrator/internal/rail/ton"
	"github.com/openbuilders/payout-orchestrator/internal/repository/memory"

	"github.com/spf13/cobra"
)

func walletCmd() *cobra.Command {
	var testnet bool

	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the highload wallet of the TON rail",
	}

	cmd.PersistentFlags().BoolVar(&testnet, "testnet", true, "Use testnet addresses")

	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Generate a new wallet seed and print its address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, addr, err := ton.NewSeed(testnet)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Seed:   ", strings.Join(seed, " "))
			fmt.Fprintln(out, "Address:", addr)
			fmt.Fprintln(out, "Fund the address and set TON_MNEMONIC before starting the ton rail.")
			return nil
		},
	})

	var configURL string

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show the address and balance of the wallet in TON_MNEMONIC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic := os.Getenv("TON_MNEMONIC")
			if mnemonic == "" {
				return fmt.Errorf("TON_MNEMONIC is not set")
			}

			client, err := ton.Connect(cmd.Context(), configURL)
			if err != nil {
				return err
			}

			// read only: no transfer is sent, so assignments stay in memory
			r, err := ton.New(cmd.Context(),
				&ton.Config{Mnemonic: mnemonic, Testnet: testnet}, client,
				memory.NewQueryAssignments())
			if err != nil {
				return err
			}

			coins, err := r.Balance(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Address:", r.Address())
			fmt.Fprintln(cmd.OutOrStdout(), "Balance:", coins.String(), "TON")
			return nil
		},
	}

	balance.Flags().StringVar(&configURL, "config-url",
		"https://ton.org/testnet-global.config.json", "Lite client global config")

	cmd.AddCommand(balance)

	return cmd
}
