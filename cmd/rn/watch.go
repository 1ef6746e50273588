package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/alfredjeanlab/rivernode/internal/events"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/ui"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch [user|space|channel]",
	Short:   "Print commit notices from the node's NATS bus",
	GroupID: "streams",
	Args:    cobra.MaximumNArgs(1),
	// Reads NATS only.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats")
		if natsURL == "" {
			return fmt.Errorf("no NATS URL: pass --nats, set RIVER_NATS_URL or configure it on the active remote")
		}
		topic := events.TopicAll
		if len(args) == 1 {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			topic = events.KindTopic(kind)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return watchNATS(ctx, natsURL, topic)
	},
}

func parseKind(s string) (protocol.StreamKind, error) {
	for _, k := range []protocol.StreamKind{protocol.KindUser, protocol.KindSpace, protocol.KindChannel} {
		if k.String() == s {
			return k, nil
		}
	}
	return protocol.KindUnknown, fmt.Errorf("unknown stream kind %q", s)
}

func watchNATS(ctx context.Context, natsURL, topic string) error {
	sub, err := events.NewNATSSubscriber(natsURL,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("nats: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Printf("nats: reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer sub.Close()

	notices, err := sub.Notices(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribing to commit notices: %w", err)
	}
	for n := range notices {
		printNotice(n)
	}
	return nil
}

func printNotice(n *events.CommitNotice) {
	if jsonOutput {
		printJSON(n)
		return
	}
	verb := "append"
	if n.Created {
		verb = "create"
	}
	line := fmt.Sprintf("%s %-7s %s %d event(s)", ui.RenderAccent(verb), n.StreamID.Kind(), n.StreamID, len(n.EventHashes))
	if n.Sealed > 0 {
		line += ui.RenderMuted(fmt.Sprintf(" sealed #%d", n.Sealed))
	}
	fmt.Println(line)
}

func defaultNATSURL() string {
	if s := os.Getenv("RIVER_NATS_URL"); s != "" {
		return s
	}
	return currentRemote().NATSURL
}

func init() {
	watchCmd.Flags().String("nats", defaultNATSURL(), "NATS URL")
}
