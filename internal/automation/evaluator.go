package automation

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// EqualityTolerance is the absolute difference under which "==" holds.
const EqualityTolerance = 0.01

// toleranceSlack absorbs float64 rounding in the subtraction, so a decimal
// delta of exactly 0.01 (5.02 - 5.01 computes to 0.00999...) is not equal.
const toleranceSlack = 1e-9

// EvalSensor compares a measurement against a threshold.
func EvalSensor(value float64, op Operator, threshold float64) (bool, error) {
	switch op {
	case OpGreater:
		return value > threshold, nil
	case OpLess:
		return value < threshold, nil
	case OpGreaterEqual:
		return value >= threshold, nil
	case OpLessEqual:
		return value <= threshold, nil
	case OpEqual:
		return math.Abs(value-threshold) < EqualityTolerance-toleranceSlack, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}
}

// EvalTime reports whether now falls in the schedule's minute on one of its days.
// now is compared in its own location.
func EvalTime(now time.Time, s Schedule) bool {
	if now.Format("15:04") != s.Time {
		return false
	}
	if len(s.Days) == 0 {
		return true
	}
	return slices.Contains(s.Days, int(now.Weekday()))
}
