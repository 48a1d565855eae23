package steps

import "time"

// Bounds for a single daily step count.
const (
	MinSteps = 1
	MaxSteps = 100000

	// RecommendedDailySteps is the target shown after a successful save.
	RecommendedDailySteps = 10000
)

// Record is one persisted step entry. ID and CreatedAt are assigned by the
// persistence layer on insert and never change afterwards.
type Record struct {
	ID         string    `json:"id"`
	StepsCount int       `json:"steps_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Clone returns a copy of recs so callers can't mutate shared cache data.
func Clone(recs []Record) []Record {
	if recs == nil {
		return nil
	}
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}
