package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hereliesaz/hashkitty/hub/internal/rooms"
	"github.com/hereliesaz/hashkitty/pkg/protocol"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED") // violet
	colorSuccess = lipgloss.Color("#10B981") // emerald
	colorWarning = lipgloss.Color("#F59E0B") // amber
	colorError   = lipgloss.Color("#EF4444") // red
	colorMuted   = lipgloss.Color("#6B7280") // gray-500
	colorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	headerStyle = lipgloss.NewStyle().Foreground(colorSubtle).Bold(true)
	roomStyle   = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	dimmed      = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
)

// typeStyle colors an envelope type by what it carries.
func typeStyle(typ string) lipgloss.Style {
	switch typ {
	case protocol.TypeJoin:
		return lipgloss.NewStyle().Foreground(colorPrimary)
	case protocol.TypeStatusUpdate, protocol.TypeAttack:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case protocol.TypeStartSniff, protocol.TypeStopSniff, protocol.TypeSniffOutput, protocol.TypeSniffStopped:
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return lipgloss.NewStyle().Foreground(colorSubtle)
	}
}

func renderRooms(list []rooms.RoomInfo) string {
	if len(list) == 0 {
		return dimmed.Render("  No active rooms") + "\n"
	}

	var b strings.Builder
	total := 0
	fmt.Fprintf(&b, "  %-24s %s\n", headerStyle.Render("ROOM"), headerStyle.Render("PEERS"))
	for _, r := range list {
		fmt.Fprintf(&b, "  %-24s %d\n", roomStyle.Render(r.ID), r.Members)
		total += r.Members
	}
	fmt.Fprintf(&b, "%s\n", dimmed.Render(fmt.Sprintf("  %d rooms, %d peers", len(list), total)))
	return b.String()
}

// formatEnvelope renders one relayed message as a single tail line. Start
// requests have their password masked.
func formatEnvelope(now time.Time, env protocol.Envelope) string {
	body := payloadText(env)
	if env.Type == protocol.TypeStartSniff {
		if p, err := protocol.DecodeStartSniff(env.Payload); err == nil {
			body = fmt.Sprintf("%s@%s", p.Username, p.Addr())
		}
	}
	return fmt.Sprintf("%s %s %s",
		dimmed.Render(now.Format("15:04:05")),
		typeStyle(env.Type).Render(fmt.Sprintf("%-14s", env.Type)),
		body,
	)
}

// payloadText unwraps the nested payload string, falling back to the raw JSON.
func payloadText(env protocol.Envelope) string {
	if env.Type == protocol.TypeSniffOutput {
		var out protocol.SniffOutput
		if err := protocol.DecodePayload(env.Payload, &out); err == nil {
			return strings.TrimRight(out.Output, "\r\n")
		}
	}
	if len(env.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err == nil {
		return s
	}
	return string(env.Payload)
}
