package main

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/kekkai/internal/health"
	"github.com/harunnryd/kekkai/internal/rollback"
	"github.com/harunnryd/kekkai/internal/safety"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type tableStyles struct {
	header lipgloss.Style
	cell   lipgloss.Style
	odd    lipgloss.Style
	even   lipgloss.Style
	border lipgloss.Style
}

func newTableStyles() tableStyles {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return tableStyles{
		header: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cell: lipgloss.NewStyle().
			Padding(0, 1),
		odd: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		even: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		border: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func newListTable(styles tableStyles, headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return styles.header
			case row%2 == 0:
				return styles.even
			default:
				return styles.odd
			}
		}).
		Headers(headers...)
}

func renderSandboxTable(boxes []*sandbox.Sandbox) string {
	if len(boxes) == 0 {
		return "No sandboxes found"
	}

	styles := newTableStyles()
	t := newListTable(styles, "ID", "Name", "State", "CPU %", "Mem MB", "Created")

	for _, sb := range boxes {
		t.Row(
			sb.ID,
			truncateString(sb.Name, 20),
			string(sb.State()),
			fmt.Sprintf("%.0f", sb.Config.Limits.CPUPercent),
			fmt.Sprintf("%d", sb.Config.Limits.MemoryMB),
			sb.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return t.String()
}

func renderSandboxDetail(sb *sandbox.Sandbox, report health.Report, sampled bool, stats health.ExecStats) string {
	styles := newTableStyles()

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return styles.header
			}
			return styles.cell
		})

	t.Row("ID", sb.ID)
	t.Row("Name", sb.Name)
	t.Row("State", string(sb.State()))
	t.Row("CPU limit", fmt.Sprintf("%.0f%%", sb.Config.Limits.CPUPercent))
	t.Row("Memory limit", formatLimitMB(sb.Config.Limits.MemoryMB))
	t.Row("Disk limit", formatLimitMB(sb.Config.Limits.DiskMB))
	t.Row("Network", networkLabel(sb.Config.Limits.Network.AllowExternal))
	t.Row("Snapshot cap", fmt.Sprintf("%d", sb.Config.MaxSnapshots))
	t.Row("Created", sb.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	if sampled {
		t.Row("Health", string(report.Status))
		t.Row("Usage", fmt.Sprintf("cpu %.1f%%, mem %d MB, disk %d MB",
			report.Usage.CPUPercent, report.Usage.MemoryMB, report.Usage.DiskMB))
		for _, alert := range report.Alerts {
			t.Row("Alert", truncateString(alert.Message, 60))
		}
	}
	if stats.Executions > 0 {
		t.Row("Executions", fmt.Sprintf("%d (%d failed, %d timed out)",
			stats.Executions, stats.Failures, stats.Timeouts))
		t.Row("Last execution", stats.LastAt.Local().Format("2006-01-02 15:04:05"))
	}

	return t.String()
}

func renderSnapshotTable(entries []state.IndexEntry, points []rollback.Point) string {
	if len(entries) == 0 {
		return "No snapshots found"
	}

	pointBySnapshot := make(map[string]rollback.Point, len(points))
	for _, p := range points {
		pointBySnapshot[p.SnapshotID] = p
	}

	styles := newTableStyles()
	t := newListTable(styles, "Seq", "Point", "Label", "Size", "Pinned", "Created")

	for _, entry := range entries {
		pointID, pinned := "", ""
		if p, ok := pointBySnapshot[entry.SnapshotID]; ok {
			pointID = p.ID
			if p.RetentionOverride {
				pinned = "yes"
			}
		}
		t.Row(
			fmt.Sprintf("v%d", entry.Seq),
			pointID,
			truncateString(entry.Label, 20),
			formatBytes(entry.PayloadSize),
			pinned,
			entry.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return t.String()
}

func renderAuditTable(entries []*safety.AuditEntry) string {
	styles := newTableStyles()
	t := newListTable(styles, "Time", "Sandbox", "Level", "Action", "Command")

	for _, entry := range entries {
		t.Row(
			entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
			entry.SandboxID,
			entry.Level,
			entry.Action,
			truncateString(entry.Command, 40),
		)
	}
	return t.String()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func formatLimitMB(mb int64) string {
	if mb == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d MB", mb)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func networkLabel(allowExternal bool) string {
	if allowExternal {
		return "external allowed"
	}
	return "denied"
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
