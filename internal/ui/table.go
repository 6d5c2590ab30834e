package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/Liveroom/internal/protocol"
)

// ParticipantTable renders room members using lipgloss/table
type ParticipantTable struct {
	items  []protocol.Participant
	self   string
	sharer string
}

// NewParticipantTable creates a table of members. self and sharer are
// connection ids to mark; either may be empty.
func NewParticipantTable(items []protocol.Participant, self, sharer string) *ParticipantTable {
	return &ParticipantTable{items: items, self: self, sharer: sharer}
}

// View renders the table as a string
func (t *ParticipantTable) View() string {
	if len(t.items) == 0 {
		return MutedStyle.Render("Nobody else is here yet")
	}

	var rows [][]string
	for i, p := range t.items {
		name := truncateString(displayName(p), 24)
		if p.ConnectionID == t.self {
			name += " (you)"
		}
		status := ""
		if p.ConnectionID == t.sharer {
			status = IconLive + " sharing"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			RoleIcon(p.Role) + " " + name,
			string(p.Role),
			status,
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("#", "Name", "Role", "Status").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})

	return tbl.Render()
}

func (t *ParticipantTable) Render() {
	fmt.Println(t.View())
}

func displayName(p protocol.Participant) string {
	switch {
	case p.Name != "":
		return p.Name
	case p.UserID != "":
		return p.UserID
	default:
		return p.ConnectionID
	}
}

func truncateString(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
