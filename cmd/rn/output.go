package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/rivernode/internal/api"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/alfredjeanlab/rivernode/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// describe renders a payload as one short line.
func describe(p protocol.Payload) string {
	switch p := p.(type) {
	case *protocol.UserInception:
		return "user stream created"
	case *protocol.SpaceInception:
		return "space created"
	case *protocol.ChannelInception:
		return "channel created in " + p.SpaceID.String()
	case *protocol.ChannelMessage:
		return p.Ciphertext
	case *protocol.MemberMembership:
		return fmt.Sprintf("%s %s", p.Op, p.UserID)
	case *protocol.UserMembership:
		return fmt.Sprintf("%s %s", p.Op, p.StreamID)
	case *protocol.UserMembershipAction:
		return fmt.Sprintf("%s %s to %s", p.Op, p.UserID, p.StreamID)
	default:
		return fmt.Sprintf("%T", p)
	}
}

func printEvents(w io.Writer, envs []*protocol.Envelope) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, env := range envs {
		ev, err := protocol.ParseEnvelope(env)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\n", ui.RenderMuted("?"), ui.RenderError(err.Error()))
			continue
		}
		ts := time.UnixMilli(ev.Event.CreatedAtEpochMs).Format("15:04:05")
		creator := ev.Event.CreatorAddress.String()[:8]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ui.RenderMuted(ts), ui.RenderAccent(creator), ui.RenderCommand(ev.Case().String()), describe(ev.Event.Payload))
	}
	tw.Flush()
}

func printSnapshot(snap *protocol.StreamSnapshot) {
	if jsonOutput {
		printJSON(snap)
		return
	}
	last := snap.LastMiniblock()
	fmt.Printf("Stream:      %s\n", snap.StreamID)
	fmt.Printf("Kind:        %s\n", snap.StreamID.Kind())
	if last != nil {
		fmt.Printf("Miniblock:   %d %x\n", last.Num, last.Hash)
	}
	fmt.Printf("Pending:     %d\n", len(snap.Minipool))
	fmt.Printf("Cookie:      %s\n", protocol.EncodeCookie(snap.NextSyncCookie))
	fmt.Println()
	printEvents(os.Stdout, snap.Envelopes())
}

func printSyncRecord(r *api.SyncStreamsResponse) {
	if jsonOutput {
		data, _ := json.Marshal(r)
		fmt.Println(string(data))
		return
	}
	switch r.SyncOp {
	case "SYNC_UPDATE":
		if r.Stream == nil {
			return
		}
		fmt.Printf("%s %s\n", ui.RenderSyncOp(r.SyncOp), r.Stream.StreamID)
		printEvents(os.Stdout, r.Stream.Events)
	case "SYNC_DOWN":
		fmt.Printf("%s %s %s\n", ui.RenderSyncOp(r.SyncOp), r.StreamID, ui.RenderMuted(r.Message))
	case "SYNC_PONG":
		fmt.Printf("%s %s\n", ui.RenderSyncOp(r.SyncOp), r.PongNonce)
	default:
		fmt.Printf("%s %s\n", ui.RenderSyncOp(r.SyncOp), ui.RenderMuted(r.SyncID))
	}
}
