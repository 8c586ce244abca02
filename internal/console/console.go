// Package console renders the fleet state as a terminal table.
package console

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"

	"hailgrid/internal/fleet"
	"hailgrid/internal/store"
)

// Palette — muted, professional, dark-terminal friendly.
var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
)

// Configure sets the color profile. Plain output is forced when the
// stream is not a terminal or the caller asks for it.
func Configure(plain bool) {
	if plain || !stderrIsTerminal() || termDumb() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func stderrIsTerminal() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func termDumb() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("TERM")), "dumb")
}

func styledStatus(status string) string {
	if status == fleet.StatusAvailable {
		return successStyle.Render(status)
	}
	return warnStyle.Render(status)
}

func styledBool(v bool) string {
	if v {
		return successStyle.Render("yes")
	}
	return errorStyle.Render("no")
}

// FleetTable renders one row per taxi, with the active ride's user when
// one exists.
func FleetTable(taxis []fleet.Taxi, rides map[int]int) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)
	evenStyle := cellStyle

	rows := make([][]string, 0, len(taxis))
	for _, t := range taxis {
		ride := mutedStyle.Render("-")
		if uid, ok := rides[t.ID]; ok {
			ride = fmt.Sprintf("user %d", uid)
		}
		stopped := ""
		if t.Stopped {
			stopped = errorStyle.Render("stopped")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", t.ID),
			fmt.Sprintf("(%d, %d)", t.PosX, t.PosY),
			fmt.Sprintf("%d", t.Speed),
			styledStatus(t.Status),
			styledBool(t.Connected),
			ride,
			stopped,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		}).
		Headers("ID", "POSITION", "SPEED", "STATUS", "CONNECTED", "RIDE", "").
		Rows(rows...)

	return t.String()
}

// Snapshot reads the fleet from the store and renders it.
func Snapshot(st *store.Store) (string, error) {
	taxis, err := st.ListTaxis()
	if err != nil {
		return "", err
	}

	rides := make(map[int]int)
	for _, t := range taxis {
		a, ok, err := st.ActiveAssignment(t.ID)
		if err != nil {
			return "", err
		}
		if ok {
			rides[t.ID] = a.UserID
		}
	}

	if len(taxis) == 0 {
		return mutedStyle.Render("no taxis registered") + "\n", nil
	}
	return FleetTable(taxis, rides) + "\n", nil
}
