package ui

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// DescriptionWidth is where report descriptions are cut in tables.
const DescriptionWidth = 48

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// ReportTable renders reports as an aligned table. Column widths are
// measured on the plain text so styling does not skew alignment.
func ReportTable(reports []*types.Report) string {
	headers := []string{"ID", "CREATED", "STATE", "TYPE", "LOCATION", "ASSIGNED", "DESCRIPTION"}
	rows := make([][]string, 0, len(reports))
	states := make([]types.State, 0, len(reports))
	for _, r := range reports {
		category := "-"
		if r.Category != nil {
			category = r.Category.Name
		}
		assigned := "-"
		if len(r.AssignedTo) > 0 {
			ids := make([]string, len(r.AssignedTo))
			for i, id := range r.AssignedTo {
				ids[i] = strconv.FormatInt(id, 10)
			}
			assigned = strings.Join(ids, ",")
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			string(r.State()),
			category,
			fmt.Sprintf("%.5f, %.5f", r.Latitude, r.Longitude),
			assigned,
			Truncate(r.Description, DescriptionWidth),
		})
		states = append(states, r.State())
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", w-utf8.RuneCountInString(s))
	}

	var b strings.Builder
	for i, h := range headers {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(headerStyle.Render(pad(h, widths[i])))
	}
	b.WriteString("\n")
	for n, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			switch i {
			case 2:
				// Pad before styling; escape codes have no width.
				b.WriteString(RenderState(states[n]) + strings.Repeat(" ", widths[i]-len(cell)))
			case len(row) - 1:
				b.WriteString(cell)
			default:
				b.WriteString(pad(cell, widths[i]))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
