package steps

import (
	"fmt"
	"math"
	"time"
)

// Stats aggregates a set of records. Avg is rounded to the nearest integer.
type Stats struct {
	Total int `json:"total"`
	Avg   int `json:"avg"`
	Min   int `json:"min"`
	Max   int `json:"max"`
	Count int `json:"count"`
}

// ComputeStats returns nil for an empty set.
func ComputeStats(recs []Record) *Stats {
	if len(recs) == 0 {
		return nil
	}
	st := &Stats{Min: recs[0].StepsCount, Max: recs[0].StepsCount, Count: len(recs)}
	for _, r := range recs {
		st.Total += r.StepsCount
		if r.StepsCount < st.Min {
			st.Min = r.StepsCount
		}
		if r.StepsCount > st.Max {
			st.Max = r.StepsCount
		}
	}
	st.Avg = int(math.Round(float64(st.Total) / float64(len(recs))))
	return st
}

// OrZero lets callers render a nil Stats as zeros.
func (s *Stats) OrZero() Stats {
	if s == nil {
		return Stats{}
	}
	return *s
}

// Highlight marks why a bar stands out in the chart.
type Highlight string

const (
	HighlightNone  Highlight = ""
	HighlightToday Highlight = "today"
	HighlightMax   Highlight = "max"
	HighlightMin   Highlight = "min"
)

const dateLayout = "2006-01-02"

// Bar is one chart column.
type Bar struct {
	Index     int       `json:"index"`
	Label     string    `json:"label"`
	Value     int       `json:"value"`
	Date      string    `json:"date"`
	Highlight Highlight `json:"highlight,omitempty"`
}

// Bars builds chart columns in record order. Dates are compared in now's location.
// A record dated today wins over max, max wins over min.
func Bars(recs []Record, now time.Time) []Bar {
	out := make([]Bar, 0, len(recs))
	st := ComputeStats(recs)
	today := now.Format(dateLayout)
	for i, r := range recs {
		b := Bar{
			Index: i,
			Label: fmt.Sprintf("D%d", i+1),
			Value: r.StepsCount,
			Date:  r.CreatedAt.In(now.Location()).Format(dateLayout),
		}
		switch {
		case b.Date == today:
			b.Highlight = HighlightToday
		case st != nil && r.StepsCount == st.Max:
			b.Highlight = HighlightMax
		case st != nil && r.StepsCount == st.Min:
			b.Highlight = HighlightMin
		}
		out = append(out, b)
	}
	return out
}
