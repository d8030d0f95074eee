package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/opkernels/backends"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// tableWithReds is a table where some rows (failures) are highlighted in red.
type tableWithReds struct {
	table *lgtable.Table
	count int
	reds  map[int]bool
}

func (t *tableWithReds) row(isRed bool, row ...string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.table.Row(row...)
	t.count++
}

func newTableWithReds(alignments ...lipgloss.Position) *tableWithReds {
	t := &tableWithReds{reds: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

func printResults(results []benchResult) {
	t := newTableWithReds(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.table.Headers("Convolution", "Implementation", "Time", "FLOP/s", "Output")
	for _, r := range results {
		if r.err != nil {
			t.row(true, r.config, r.impl, backends.StatusOf(r.err).String(), "-", "-")
			continue
		}
		var flopsPerSec string
		if r.ms > 0 {
			value, prefix := humanize.ComputeSI(r.flops / (r.ms / 1000))
			flopsPerSec = fmt.Sprintf("%.1f %s", value, prefix)
		}
		t.row(false, r.config, r.impl, fmt.Sprintf("%.3f ms", r.ms), flopsPerSec, humanize.Bytes(r.outputBytes))
	}
	fmt.Println(t.table.Render())
}
