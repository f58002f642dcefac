// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)
)

// HighlightTable is a table where some rows can be highlighted.
type HighlightTable struct {
	Table       *lgtable.Table
	Count       int
	Highlighted map[int]bool
}

// Row appends a row, highlighted if highlight is true.
func (t *HighlightTable) Row(highlight bool, row ...string) {
	if highlight {
		t.Highlighted[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return newHighlightTable(alignments...).Table
}

// newHighlightTable creates a table with alternating row styles. Columns take the given alignments,
// and the last one is used for the remaining columns.
func newHighlightTable(alignments ...lipgloss.Position) *HighlightTable {
	t := &HighlightTable{Highlighted: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.Highlighted[row]:
				s = highlightRowStyle
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

func isAllEqual[E comparable](s []E) bool {
	for ii := 1; ii < len(s); ii++ {
		if s[ii] != s[0] {
			return false
		}
	}
	return true
}
