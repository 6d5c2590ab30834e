package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Liveroom/internal/ui"
	"github.com/BioHazard786/Liveroom/internal/version"
)

// Flags shared by every command that talks to a relay.
var (
	flagConfig   string
	flagServer   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "liveroom",
	Short: "Live classroom signaling relay and screen broadcast client",
	Long: `Liveroom runs the signaling relay for live course rooms and joins them from
the terminal. A teacher shares a stream to every student in the room over
WebRTC while everyone chats; the relay only handles membership, signaling,
room state and chat history.`,
	Version: version.String(),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "TOML config file (env LIVEROOM_CONFIG)")
	pf.StringVarP(&flagServer, "server", "s", "", "Relay base URL, e.g. https://relay.example.com")
	pf.StringVar(&flagSTUN, "stun", "", "STUN server URL")
	pf.StringVar(&flagTURN, "turn", "", "TURN server host or URL")
	pf.StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	pf.StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	pf.BoolVar(&flagRelay, "relay", false, "Force all media through the TURN relay")
}
