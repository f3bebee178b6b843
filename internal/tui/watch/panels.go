package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/wardenhq/warden/internal/events"
)

func renderHeader(h HealthState, theme Theme, width int) string {
	innerWidth := width - 4

	status := theme.StatusFailed.Render("● disconnected")
	if h.Connected {
		status = theme.StatusOK.Render("● connected")
	}

	uptime := time.Duration(h.UptimeSeconds) * time.Second
	line := fmt.Sprintf("%s  %s  uptime %s  workers %d/%d",
		theme.Header.Render("WARDEN"),
		status,
		uptime.Truncate(time.Second),
		h.WorkersAlive, h.WorkersTotal,
	)
	return theme.Border.Width(innerWidth).Render(theme.Title.Render(line))
}

func renderTasks(tasks map[string]*TaskState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(tasks) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TASKS"),
			theme.Dim.Render("  No tasks observed yet"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, t := range sortedTasks(tasks) {
		if i >= 8 {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  … %d more", len(tasks)-8)))
			break
		}
		lines = append(lines, formatTask(t, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatTask(t *TaskState, theme Theme) string {
	style := stateStyle(t.State, theme)
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("[%s] %s steps=%d", id, style.Render(fmt.Sprintf("%-19s", t.State)), t.StepsDone)
	if t.LastAction != "" {
		line += " " + theme.Dim.Render(t.LastAction)
	}
	return line
}

func stateStyle(state string, theme Theme) lipgloss.Style {
	switch state {
	case "completed", "rolled_back":
		return theme.StatusOK
	case "failed", "rolled_back_partial":
		return theme.StatusFailed
	case "awaiting_approval":
		return theme.StatusWaiting
	case "rolling_back":
		return theme.StatusRollback
	case "cancelled":
		return theme.StatusDead
	default:
		return theme.StatusRunning
	}
}

func renderApprovals(approvals map[string]*ApprovalState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(approvals) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("PENDING APPROVALS"),
			theme.Dim.Render("  None"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for _, a := range sortedApprovals(approvals) {
		taskID := a.TaskID
		if len(taskID) > 8 {
			taskID = taskID[:8]
		}
		remaining := "expired"
		if d := time.Until(a.ExpiresAt); d > 0 {
			remaining = d.Truncate(time.Second).String()
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %s",
			taskID,
			theme.StatusWaiting.Render(a.Action),
			theme.Dim.Render("expires in "+remaining),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("PENDING APPROVALS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.StatusOK
	case strings.HasPrefix(e.Type, "rollback"):
		typeStyle = theme.StatusRollback
	case strings.HasPrefix(e.Type, "approval"):
		typeStyle = theme.StatusWaiting
	case strings.HasPrefix(e.Type, "worker"):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}
	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))

	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e))
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if taskID, ok := data["task_id"].(string); ok {
		if len(taskID) > 8 {
			taskID = taskID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", taskID))
	}
	if action, ok := data["action"].(string); ok {
		parts = append(parts, action)
	}
	if state, ok := data["state"].(string); ok {
		parts = append(parts, state)
	}
	if workerID, ok := data["worker_id"].(string); ok {
		parts = append(parts, workerID)
	}
	if health, ok := data["health"].(string); ok {
		parts = append(parts, health)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
