package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/stepsync/internal/steps"
	"github.com/loykin/stepsync/internal/tracker"
)

const barWidth = 40

func comma(n int) string { return humanize.Comma(int64(n)) }

// renderStats prints the stats screen: aggregates, then one bar per record.
func renderStats(w io.Writer, st tracker.QueryState, now time.Time) {
	s := st.Stats().OrZero()
	_, _ = fmt.Fprintln(w, "Steps")
	_, _ = fmt.Fprintf(w, "  Total    %s\n", comma(s.Total))
	_, _ = fmt.Fprintf(w, "  Average  %s\n", comma(s.Avg))
	_, _ = fmt.Fprintf(w, "  Min      %s\n", comma(s.Min))
	_, _ = fmt.Fprintf(w, "  Max      %s\n", comma(s.Max))

	bars := steps.Bars(st.Data, now)
	if len(bars) == 0 {
		_, _ = fmt.Fprintln(w, "  No steps recorded yet.")
	}
	for _, b := range bars {
		width := 0
		if s.Max > 0 {
			width = b.Value * barWidth / s.Max
		}
		if width == 0 && b.Value > 0 {
			width = 1
		}
		mark := ""
		if b.Highlight != steps.HighlightNone {
			mark = "  <- " + string(b.Highlight)
		}
		_, _ = fmt.Fprintf(w, "  %-4s %s %8s %s%s\n", b.Label, b.Date, comma(b.Value), strings.Repeat("█", width), mark)
	}
	if st.Err != nil {
		_, _ = fmt.Fprintf(w, "Error %s\n", st.Err)
	}
}
