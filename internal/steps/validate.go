package steps

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dustin/go-humanize"
)

var digitsRe = regexp.MustCompile(`^\d+$`)

const (
	MsgRequired  = "Steps are required"
	MsgNotNumber = "Steps must be a number"
)

// ValidationError reports input rejected before it reaches the write path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ParseInput validates raw form input and returns the step count. The
// input is taken as typed: surrounding whitespace makes it not a number.
func ParseInput(raw string) (int, error) {
	if raw == "" {
		return 0, &ValidationError{Field: "steps", Message: MsgRequired}
	}
	if !digitsRe.MatchString(raw) {
		return 0, &ValidationError{Field: "steps", Message: MsgNotNumber}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// only overflow can fail here, digits are already checked
		return 0, tooLarge()
	}
	if err := ValidateCount(n); err != nil {
		return 0, err
	}
	return n, nil
}

// ValidateCount checks n against [MinSteps, MaxSteps]. It never clamps.
func ValidateCount(n int) error {
	if n < MinSteps {
		return &ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("Steps must be at least %s", humanize.Comma(MinSteps)),
		}
	}
	if n > MaxSteps {
		return tooLarge()
	}
	return nil
}

func tooLarge() *ValidationError {
	return &ValidationError{
		Field:   "steps",
		Message: fmt.Sprintf("Steps must be at most %s", humanize.Comma(MaxSteps)),
	}
}
