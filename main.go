package main

import (
	"log/slog"

	"github.com/BioHazard786/Liveroom/cmd"
	"github.com/BioHazard786/Liveroom/internal/logging"
)

func main() {
	// Interactive commands keep the terminal quiet; serve raises this.
	logging.Init(slog.LevelError)
	cmd.Execute()
}
