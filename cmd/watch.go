package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/room"
	"github.com/BioHazard786/Liveroom/internal/session"
	"github.com/BioHazard786/Liveroom/internal/ui"
)

var (
	flagOut           string
	flagStatsInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:     "watch <room>",
	Aliases: []string{"join"},
	Short:   "Join a room as a student and receive the shared stream",
	Long: `Join a course room, follow the chat and receive whatever the teacher shares.
With --out every received stream is recorded to a new IVF file.

Commands in the room view:
  /refresh   ask the teacher for a fresh stream
  /quit      leave the room

Examples:
  liveroom watch algebra-101
  liveroom watch algebra-101 --out ./recordings --rejoin`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRoom(cmd.Context(), args[0])
	},
}

// lastStream remembers the most recent stream that carried media, so the
// summary survives the reset that follows a stop.
type lastStream struct {
	mu    sync.Mutex
	stats peer.Stats
}

func (l *lastStream) observe(s peer.Stats) {
	if s.Packets == 0 {
		return
	}
	l.mu.Lock()
	l.stats = s
	l.mu.Unlock()
}

func (l *lastStream) get() peer.Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func watchRoom(ctx context.Context, roomID string) error {
	cfg, err := LoadConfig(clientOptions())
	if err != nil {
		return err
	}

	obs := &observerProxy{}
	last := &lastStream{}
	stats := peer.NewStatsRenderer(flagStatsInterval, func(s peer.Stats) {
		last.observe(s)
		obs.OnStats(s)
	})

	renderer := peer.Renderer(stats)
	if flagOut != "" {
		ivf, err := peer.NewIVFRenderer(flagOut)
		if err != nil {
			return session.NewError("prepare recording", err)
		}
		renderer = peer.MultiRenderer{stats, ivf}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	started := time.Now()

	_, view, runErr, err := enterRoom(ctx, cfg, roomID, "Watching", obs, session.Options{
		Identity: identity(room.RoleStudent),
		Renderer: renderer,
	})
	if err != nil {
		return err
	}
	if flagHeadless {
		ui.PrintInfo("Press Ctrl+C to leave")
	}

	err = attend(ctx, view, runErr, cancel)

	fmt.Println()
	ui.RenderStreamSummary(ui.StreamSummary{
		Room:     roomID,
		Duration: time.Since(started),
		Stats:    last.get(),
	})
	return err
}

// addParticipantFlags registers the identity and connection flags shared by
// share and watch.
func addParticipantFlags(cmd *cobra.Command, defaultRole string) {
	cmd.Flags().StringVarP(&flagName, "name", "n", "", "Display name (default derived from the user id)")
	cmd.Flags().StringVar(&flagUserID, "user-id", "", "Application user id (default random)")
	cmd.Flags().StringVar(&flagRole, "role", "", fmt.Sprintf("Role: student, teacher or admin (default %s)", defaultRole))
	cmd.Flags().BoolVar(&flagRejoin, "rejoin", false, "Rejoin automatically when the relay connection drops")
	cmd.Flags().BoolVar(&flagHeadless, "headless", false, "Print events as lines instead of the interactive view")
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&flagOut, "out", "o", "", "Record received streams as IVF files into this directory")
	watchCmd.Flags().DurationVar(&flagStatsInterval, "stats-interval", time.Second, "How often stream statistics refresh")
	addParticipantFlags(watchCmd, "student")
}
