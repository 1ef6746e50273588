package main

import (
	"fmt"
	"os"

	"github.com/alfredjeanlab/rivernode/internal/client"
	"github.com/alfredjeanlab/rivernode/internal/signing"
	"github.com/alfredjeanlab/rivernode/internal/ui"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	serverAddr string
	token      string
	keyHex     string
	jsonOutput bool
	noColor    bool

	rpc *client.GRPCClient
)

func defaultServer() string {
	if s := os.Getenv("RIVER_SERVER"); s != "" {
		return s
	}
	if s := currentRemote().URL; s != "" {
		return s
	}
	return "localhost:9090"
}

func defaultToken() string {
	if s := os.Getenv("RIVER_TOKEN"); s != "" {
		return s
	}
	return currentRemote().Token
}

var rootCmd = &cobra.Command{
	Use:           "rn",
	Short:         "River stream node and client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		var err error
		rpc, err = client.NewGRPCClient(serverAddr, token)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rpc != nil {
			rpc.Close()
		}
	},
}

// signer builds the signer for commands that write events.
func signer() (*signing.SignerContext, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set RIVER_KEY (see 'rn keygen')")
	}
	w, err := signing.ParseWallet(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return signing.NewSignerContext(w), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "gRPC server address")
	rootCmd.PersistentFlags().StringVar(&token, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", os.Getenv("RIVER_KEY"), "hex ed25519 seed used to sign events")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "streams", Title: "Stream Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("Error:"), err)
		os.Exit(1)
	}
}
