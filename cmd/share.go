package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
	"github.com/BioHazard786/Liveroom/internal/ui"
)

var (
	flagFile string
	flagLoop bool
)

var shareCmd = &cobra.Command{
	Use:     "share <room>",
	Aliases: []string{"teach"},
	Short:   "Join a room as its teacher and broadcast a stream",
	Long: `Join a course room as an owner and broadcast a recorded VP8/VP9/AV1 IVF
file to every participant. Students already in the room get the stream right
away; students who join later receive it without any action on your side.

Commands in the room view:
  /stop      stop sharing
  /lock      lock the chat for students
  /unlock    unlock the chat
  /close     close the room (stops sharing first)
  /quit      leave the room

Examples:
  liveroom share algebra-101 --file lecture.ivf
  liveroom share algebra-101 --file intro.ivf --loop --name "Dr. Noether"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagFile == "" {
			return fmt.Errorf("no stream specified, use --file")
		}
		return shareRoom(cmd.Context(), args[0])
	},
}

func shareRoom(ctx context.Context, roomID string) error {
	cfg, err := LoadConfig(clientOptions())
	if err != nil {
		return err
	}

	id := identity(room.RoleTeacher)
	if !id.Role.IsOwner() {
		return session.WrapError("share", session.ErrNotOwner, "only teachers and admins can share")
	}

	stopSpinner := ui.RunSpinner("Opening stream...")
	capture, err := peer.OpenFileCapture(flagFile, flagLoop)
	stopSpinner()
	if err != nil {
		return session.NewError("open stream", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cc, view, runErr, err := enterRoom(ctx, cfg, roomID, "Sharing", &observerProxy{}, session.Options{Identity: id})
	if err != nil {
		capture.Stop()
		return err
	}

	if err := cc.Coordinator.StartSharing(ctx, capture); err != nil {
		capture.Stop()
		cancel()
		<-runErr
		return err
	}
	if flagHeadless {
		ui.PrintSuccessf("Sharing %s, press Ctrl+C to stop", flagFile)
	}

	err = attend(ctx, view, runErr, cancel)
	// The coordinator keeps the capture when the relay connection is lost.
	_ = cc.Coordinator.Release()
	capture.Stop()
	return err
}

func init() {
	rootCmd.AddCommand(shareCmd)

	shareCmd.Flags().StringVarP(&flagFile, "file", "f", "", "IVF file to broadcast")
	shareCmd.Flags().BoolVar(&flagLoop, "loop", false, "Restart the file when it ends instead of stopping")
	addParticipantFlags(shareCmd, "teacher")
}
