package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/BioHazard786/Liveroom/internal/peer"
	"github.com/BioHazard786/Liveroom/internal/room"
)

func newPrettyTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Format.Header = text.FormatDefault
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

// RoomStateView renders persisted room flags as a two-column table.
func RoomStateView(roomID string, s room.State) string {
	t := newPrettyTable(IconRoom + " Room " + roomID)
	t.AppendHeader(table.Row{"Flag", "Value"})
	t.AppendRows([]table.Row{
		{"Active", yesNo(s.Active)},
		{"Chat locked", yesNo(s.ChatLocked)},
		{"Sharing", yesNo(s.Sharing)},
	})
	return t.Render()
}

// ChatHistoryView renders stored chat messages oldest first.
func ChatHistoryView(roomID string, msgs []room.ChatMessage) string {
	if len(msgs) == 0 {
		return MutedStyle.Render("No messages in " + roomID)
	}

	t := newPrettyTable(IconChat + " Chat history for " + roomID)
	t.AppendHeader(table.Row{"#", "Time", "From", "Role", "Message"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: 60},
	})
	for i, m := range msgs {
		t.AppendRow(table.Row{
			i + 1,
			m.CreatedAt.Local().Format(time.DateTime),
			m.Username,
			string(m.Role),
			strings.TrimSpace(m.Text),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(msgs)})
	return t.Render()
}

// StreamSummary is shown once a watch session ends.
type StreamSummary struct {
	Room     string
	Duration time.Duration
	Stats    peer.Stats
}

func StreamSummaryView(s StreamSummary) string {
	t := newPrettyTable(IconStats + " Stream Summary")
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.Room},
		{"Duration", s.Duration.Round(time.Second).String()},
		{"Codec", orDash(s.Stats.Codec)},
		{"Packets", s.Stats.Packets},
		{"Data", formatBytes(s.Stats.Bytes)},
	})
	return t.Render()
}

func RenderStreamSummary(s StreamSummary) {
	fmt.Println(StreamSummaryView(s))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
