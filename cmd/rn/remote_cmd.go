package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/client"
	"github.com/alfredjeanlab/rivernode/internal/ui"
	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	Short:   "Manage named node profiles",
	GroupID: "system",
	// Profiles are local files; only "remote ping" dials.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

// mask hides all but the first few characters of a token.
func mask(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + strings.Repeat("*", min(len(token)-6, 10))
}

// updateRemotes loads the profile file, applies fn and saves the result.
func updateRemotes(fn func(cfg *RemotesConfig) error) error {
	cfg, err := loadRemotesConfig()
	if err != nil {
		return err
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	return saveRemotesConfig(cfg)
}

func lookupRemote(cfg RemotesConfig, name string) (Remote, error) {
	r, ok := cfg.Remotes[name]
	if !ok {
		return Remote{}, fmt.Errorf("remote %q not found", name)
	}
	return r, nil
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <name> <grpc-addr>",
	Short: "Add or replace a node profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, _ := cmd.Flags().GetString("token")
		natsURL, _ := cmd.Flags().GetString("nats")
		use, _ := cmd.Flags().GetBool("use")
		err := updateRemotes(func(cfg *RemotesConfig) error {
			cfg.Remotes[args[0]] = Remote{URL: args[1], Token: tok, NATSURL: natsURL}
			if use || len(cfg.Remotes) == 1 {
				cfg.Active = args[0]
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remote %s -> %s\n", ui.RenderAccent(args[0]), args[1])
		return nil
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a node profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateRemotes(func(cfg *RemotesConfig) error {
			if _, err := lookupRemote(*cfg, args[0]); err != nil {
				return err
			}
			delete(cfg.Remotes, args[0])
			if cfg.Active == args[0] {
				cfg.Active = ""
			}
			return nil
		})
	},
}

var remoteUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Make a profile the default for other commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateRemotes(func(cfg *RemotesConfig) error {
			if _, err := lookupRemote(*cfg, args[0]); err != nil {
				return err
			}
			cfg.Active = args[0]
			return nil
		})
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List node profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRemotesConfig()
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(cfg)
			return nil
		}
		names := make([]string, 0, len(cfg.Remotes))
		for name := range cfg.Remotes {
			names = append(names, name)
		}
		slices.Sort(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tADDR\tNATS\tTOKEN")
		for _, name := range names {
			r := cfg.Remotes[name]
			marker := "  "
			if name == cfg.Active {
				marker = "* "
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", marker, name, r.URL, r.NATSURL, mask(r.Token))
		}
		return w.Flush()
	},
}

var remotePingCmd = &cobra.Command{
	Use:   "ping [<name>]",
	Short: "Call Info on a profile's node (defaults to the active one)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRemotesConfig()
		if err != nil {
			return err
		}
		name := cfg.Active
		if len(args) == 1 {
			name = args[0]
		}
		if name == "" {
			return fmt.Errorf("no active remote; name one or run 'rn remote use <name>'")
		}
		r, err := lookupRemote(cfg, name)
		if err != nil {
			return err
		}

		c, err := client.NewGRPCClient(r.URL, r.Token)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		start := time.Now()
		info, err := c.Info(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n",
			ui.RenderAccent(name), info.NodeAddress, info.Version, ui.RenderMuted(time.Since(start).Round(time.Millisecond).String()))
		return nil
	},
}

func init() {
	remoteAddCmd.Flags().String("token", "", "bearer token")
	remoteAddCmd.Flags().String("nats", "", "NATS URL for 'rn watch'")
	remoteAddCmd.Flags().Bool("use", false, "make this the active profile")

	remoteCmd.AddCommand(remoteAddCmd, remoteRemoveCmd, remoteUseCmd, remoteListCmd, remotePingCmd)
}
