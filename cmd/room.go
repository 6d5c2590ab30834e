package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/roomapi"
	"github.com/BioHazard786/Liveroom/internal/session"
	"github.com/BioHazard786/Liveroom/internal/ui"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Inspect and manage a room over the relay's REST API",
	Long: `Owner tooling for course rooms. Changes made here are announced to everyone
connected to the room, exactly like changes made from inside it.

Examples:
  liveroom room state algebra-101
  liveroom room lock algebra-101
  liveroom room history algebra-101`,
}

func newAPIClient() (*roomapi.Client, error) {
	cfg, err := LoadConfig(clientOptions())
	if err != nil {
		return nil, err
	}
	c, err := roomapi.New(cfg.APIBaseURL(), nil)
	if err != nil {
		return nil, session.NewError("room api", err)
	}
	return c, nil
}

// patchCommand builds a subcommand that applies patch to the room and prints
// the resulting state.
func patchCommand(use, short, done string, patch room.Patch) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <room>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := newAPIClient()
			if err != nil {
				return err
			}
			state, err := api.UpdateRoomState(cmd.Context(), args[0], patch)
			if err != nil {
				return session.NewError(use+" room", err)
			}
			ui.PrintSuccess(done)
			fmt.Println(ui.RoomStateView(args[0], state))
			return nil
		},
	}
}

var roomStateCmd = &cobra.Command{
	Use:   "state <room>",
	Short: "Show the persisted room flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPIClient()
		if err != nil {
			return err
		}
		state, err := api.GetRoomState(cmd.Context(), args[0])
		if err != nil {
			return session.NewError("read room state", err)
		}
		fmt.Println(ui.RoomStateView(args[0], state))
		return nil
	},
}

var roomHistoryCmd = &cobra.Command{
	Use:   "history <room>",
	Short: "Print the stored chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd.Context(), "Fetching chat history...", func(ctx context.Context, api *roomapi.Client) (string, error) {
			msgs, err := api.ListChatMessages(ctx, args[0])
			if err != nil {
				return "", session.NewError("read chat history", err)
			}
			return ui.ChatHistoryView(args[0], msgs), nil
		})
	},
}

var roomParticipantsCmd = &cobra.Command{
	Use:     "participants <room>",
	Aliases: []string{"who"},
	Short:   "List who is connected to the room right now",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd.Context(), "Fetching participants...", func(ctx context.Context, api *roomapi.Client) (string, error) {
			people, err := api.Participants(ctx, args[0])
			if err != nil {
				return "", session.NewError("list participants", err)
			}
			return ui.NewParticipantTable(people, "", "").View(), nil
		})
	},
}

var (
	flagPostName string
	flagPostRole string
)

var roomPostCmd = &cobra.Command{
	Use:   "post <room> <text>",
	Short: "Store a chat message without broadcasting it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api, err := newAPIClient()
		if err != nil {
			return err
		}
		msg, err := api.PostChatMessage(cmd.Context(), args[0], room.ChatMessage{
			Username: flagPostName,
			Role:     room.ParseRole(flagPostRole),
			Text:     args[1],
		})
		if err != nil {
			return session.NewError("post message", err)
		}
		ui.PrintSuccessf("Stored message %s", msg.ID)
		return nil
	},
}

// fetch runs fn behind a spinner and prints what it renders.
func fetch(ctx context.Context, msg string, fn func(context.Context, *roomapi.Client) (string, error)) error {
	api, err := newAPIClient()
	if err != nil {
		return err
	}
	stop := ui.RunSpinner(msg)
	out, err := fn(ctx, api)
	stop()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func init() {
	rootCmd.AddCommand(roomCmd)

	roomCmd.AddCommand(
		roomStateCmd,
		roomHistoryCmd,
		roomParticipantsCmd,
		roomPostCmd,
		patchCommand("open", "Open the room", "Room opened", room.Patch{Active: room.Bool(true)}),
		patchCommand("close", "Close the room, ending any broadcast", "Room closed", room.Patch{Active: room.Bool(false)}),
		patchCommand("lock", "Lock the chat for students", "Chat locked", room.Patch{ChatLocked: room.Bool(true)}),
		patchCommand("unlock", "Unlock the chat", "Chat unlocked", room.Patch{ChatLocked: room.Bool(false)}),
	)

	roomPostCmd.Flags().StringVarP(&flagPostName, "name", "n", "liveroom", "Author shown in the history")
	roomPostCmd.Flags().StringVar(&flagPostRole, "role", "teacher", "Author role")
}
