package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#5A56E0"))
	headerRowStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("#FAFAFA"))
	oddRowStyle    = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#D0D0D0"))
	evenRowStyle   = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("#A0A0A0"))
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#5A56E0"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerRowStyle
			case row%2 == 0:
				return evenRowStyle
			default:
				return oddRowStyle
			}
		}).
		Headers(headers...)
}

func (s *simulation) summaryTable() *lgtable.Table {
	table := newTable("Property", "Value")
	table.Row("Shape", fmt.Sprintf("%v", s.shape))
	table.Row("DType", s.dtype.String())
	table.Row("Participants", humanize.Comma(int64(s.numRanks)))
	table.Row("Size", humanize.Bytes(uint64(s.dtype.SizeForDimensions(s.shape...))))
	table.Row("Chunk axes", strings.Join(xslices.Map(s.dims, func(d int) string { return fmt.Sprint(d) }), " → "))
	if s.final != nil {
		table.Row("Fingerprint", fmt.Sprintf("%016x", s.final.Fingerprint()))
	}
	if s.remote {
		table.Row("Remote shards fetched", humanize.Comma(int64(s.fetchedShards)))
	}
	if s.saveDir != "" {
		table.Row("Saved", fmt.Sprintf("%s in %s", humanize.Bytes(uint64(s.savedBytes)), s.saveDir))
	}
	return table
}

// layoutTable lists the shards of the tensor after the last round.
func (s *simulation) layoutTable() *lgtable.Table {
	table := newTable("Shard", "Placement", "Offsets", "Sizes", "Bytes")
	if s.final == nil {
		return table
	}
	for ii, shard := range s.final.Shards {
		table.Row(
			fmt.Sprint(ii),
			shard.Placement.String(),
			fmt.Sprintf("%v", shard.Offsets),
			fmt.Sprintf("%v", shard.Sizes),
			humanize.Bytes(uint64(s.dtype.SizeForDimensions(shard.Sizes...))),
		)
	}
	return table
}

// metricsTable lists every counter collected in registry, one row per label combination.
func metricsTable(registry prometheus.Gatherer) (*lgtable.Table, error) {
	families, err := registry.Gather()
	if err != nil {
		return nil, err
	}
	table := newTable("Metric", "Labels", "Value")
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			table.Row(family.GetName(), strings.Join(labels, ","), humanize.Commaf(metric.GetCounter().GetValue()))
		}
	}
	return table, nil
}

// newProgressBar over the resharding rounds.
func newProgressBar(rounds int) *progressbar.ProgressBar {
	return progressbar.NewOptions(rounds,
		progressbar.OptionSetDescription("Resharding"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rounds"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)
}
