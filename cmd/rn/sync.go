package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/client"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync <stream-id>...",
	Short:   "Follow streams and print every update",
	GroupID: "streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStart, _ := cmd.Flags().GetBool("from-start")
		shared, _ := cmd.Flags().GetBool("shared")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		rawCookies, _ := cmd.Flags().GetStringArray("cookie")
		httpURL, _ := cmd.Flags().GetString("http")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		cookies, err := syncCookies(ctx, args, rawCookies, fromStart)
		if err != nil {
			return err
		}
		opts := client.SyncOptions{Shared: shared, Timeout: client.NoTimeout()}
		if timeout >= 0 {
			opts.Timeout = &timeout
		}

		if httpURL != "" {
			err := client.NewHTTPClient(httpURL, token).Sync(ctx, cookies, opts, func(r *api.SyncStreamsResponse) error {
				printSyncRecord(r)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		stream, err := rpc.Sync(ctx, cookies, opts)
		if err != nil {
			return err
		}
		defer stream.Close()
		for {
			r, err := stream.Recv()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			printSyncRecord(r)
		}
	},
}

// syncCookies positions each stream at its current head, or at the first
// event with fromStart. Encoded cookies are used as given.
func syncCookies(ctx context.Context, ids, raw []string, fromStart bool) ([]protocol.SyncCookie, error) {
	var cookies []protocol.SyncCookie
	for _, s := range ids {
		id, err := protocol.ParseStreamID(s)
		if err != nil {
			return nil, err
		}
		if fromStart {
			cookies = append(cookies, protocol.SyncCookie{StreamID: id})
			continue
		}
		snap, err := rpc.GetStream(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", id, err)
		}
		cookies = append(cookies, snap.NextSyncCookie)
	}
	for _, s := range raw {
		c, err := protocol.DecodeCookie(s)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}

func init() {
	syncCmd.Flags().Bool("from-start", false, "deliver every event, not only new ones")
	syncCmd.Flags().Bool("shared", false, "use the node's shared subscriptions")
	syncCmd.Flags().Duration("timeout", -1, "close the session after this long (0 = after the backlog)")
	syncCmd.Flags().StringArray("cookie", nil, "hex sync cookie to resume from (repeatable)")
	syncCmd.Flags().String("http", "", "sync over server-sent events from this HTTP base URL")
}
