package main

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/ui"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:     "info [selector...]",
	Short:   "Show node info, or run debug selectors (graffiti, ping, error, error_untyped, flush)",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := rpc.Info(context.Background(), args...)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(resp)
			return nil
		}
		fmt.Printf("Graffiti:    %s\n", ui.RenderAccent(resp.Graffiti))
		fmt.Printf("Version:     %s\n", resp.Version)
		fmt.Printf("Node:        %s\n", resp.NodeAddress)
		fmt.Printf("Streams:     %d\n", resp.Streams)
		fmt.Printf("Syncs:       %d\n", resp.SyncCount)
		if resp.Sealed > 0 {
			fmt.Printf("Sealed:      %d\n", resp.Sealed)
		}
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:     "keygen",
	Short:   "Generate a signing key and print its seed and address",
	GroupID: "system",
	// Local only.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := signing.NewWallet()
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]string{"seed": w.Seed(), "address": w.Address.String()})
			return nil
		}
		fmt.Printf("seed:    %s\n", w.Seed())
		fmt.Printf("address: %s\n", w.Address)
		fmt.Println(ui.RenderMuted("export RIVER_KEY=" + w.Seed()))
		return nil
	},
}
