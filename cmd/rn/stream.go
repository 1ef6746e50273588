package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/rivernode/internal/client"
	"github.com/alfredjeanlab/rivernode/internal/protocol"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:     "stream",
	Short:   "Create, read and write streams",
	GroupID: "streams",
}

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create the user stream of the signing key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signer()
		if err != nil {
			return err
		}
		id := protocol.UserStreamID(s.Address())
		snap, err := client.Create(context.Background(), rpc, s, id, &protocol.UserInception{StreamID: id})
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var createSpaceCmd = &cobra.Command{
	Use:   "create-space",
	Short: "Create a space and join it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signer()
		if err != nil {
			return err
		}
		id := protocol.MakeSpaceID()
		snap, err := client.Create(context.Background(), rpc, s, id,
			&protocol.SpaceInception{StreamID: id},
			&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address()},
		)
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var createChannelCmd = &cobra.Command{
	Use:   "create-channel <space-id>",
	Short: "Create a channel in a space and join it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signer()
		if err != nil {
			return err
		}
		space, err := protocol.ParseStreamID(args[0])
		if err != nil {
			return err
		}
		id := protocol.MakeChannelID()
		snap, err := client.Create(context.Background(), rpc, s, id,
			&protocol.ChannelInception{StreamID: id, SpaceID: space},
			&protocol.MemberMembership{Op: protocol.OpJoin, UserID: s.Address(), StreamParentID: space},
		)
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <stream-id>",
	Short: "Show a stream's miniblocks and pending events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseStreamID(args[0])
		if err != nil {
			return err
		}
		snap, err := rpc.GetStream(context.Background(), id)
		if err != nil {
			return err
		}
		printSnapshot(snap)
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <stream-id>",
	Short: "Show the last miniblock hash of a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := protocol.ParseStreamID(args[0])
		if err != nil {
			return err
		}
		hash, num, err := rpc.GetLastMiniblockHash(context.Background(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]any{"hash": fmt.Sprintf("%x", hash), "miniblock_num": num})
			return nil
		}
		fmt.Printf("%d %x\n", num, hash)
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post <channel-id> <text...>",
	Short: "Post a message to a channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signer()
		if err != nil {
			return err
		}
		id, err := protocol.ParseStreamID(args[0])
		if err != nil {
			return err
		}
		env, err := client.Append(context.Background(), rpc, s, id,
			&protocol.ChannelMessage{Ciphertext: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", env.Hash)
		return nil
	},
}

// membershipCmd builds join/leave commands, which write a member event to
// the target stream itself.
func membershipCmd(use, short string, op protocol.MembershipOp) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " <stream-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := signer()
			if err != nil {
				return err
			}
			id, err := protocol.ParseStreamID(args[0])
			if err != nil {
				return err
			}
			var parent protocol.StreamID
			if p, _ := cmd.Flags().GetString("parent"); p != "" {
				if parent, err = protocol.ParseStreamID(p); err != nil {
					return err
				}
			}
			env, err := client.Append(context.Background(), rpc, s, id,
				&protocol.MemberMembership{Op: op, UserID: s.Address(), StreamParentID: parent})
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", env.Hash)
			return nil
		},
	}
	c.Flags().String("parent", "", "space id of a channel")
	return c
}

var inviteCmd = &cobra.Command{
	Use:   "invite <user-address> <stream-id>",
	Short: "Invite a user to a space or channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signer()
		if err != nil {
			return err
		}
		var user protocol.Address
		if err := user.UnmarshalText([]byte(args[0])); err != nil {
			return err
		}
		target, err := protocol.ParseStreamID(args[1])
		if err != nil {
			return err
		}
		var parent protocol.StreamID
		if p, _ := cmd.Flags().GetString("parent"); p != "" {
			if parent, err = protocol.ParseStreamID(p); err != nil {
				return err
			}
		}
		// Invites are written to the inviter's own user stream; the node
		// derives the membership events on the target and invitee streams.
		env, err := client.Append(context.Background(), rpc, s, protocol.UserStreamID(s.Address()),
			&protocol.UserMembershipAction{Op: protocol.OpInvite, UserID: user, StreamID: target, StreamParentID: parent})
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", env.Hash)
		return nil
	},
}

func init() {
	inviteCmd.Flags().String("parent", "", "space id of a channel")

	streamCmd.AddCommand(createUserCmd)
	streamCmd.AddCommand(createSpaceCmd)
	streamCmd.AddCommand(createChannelCmd)
	streamCmd.AddCommand(getCmd)
	streamCmd.AddCommand(hashCmd)
	streamCmd.AddCommand(postCmd)
	streamCmd.AddCommand(membershipCmd("join", "Join a space or channel", protocol.OpJoin))
	streamCmd.AddCommand(membershipCmd("leave", "Leave a space or channel", protocol.OpLeave))
	streamCmd.AddCommand(inviteCmd)
}
