package automation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/reimonlp/greenhouse/internal/relay"
)

// Validation constants.
const (
	maxNameLength   = 100
	schedulePattern = `^([01]\d|2[0-3]):([0-5]\d)$`
)

var scheduleRegex = regexp.MustCompile(schedulePattern)

var validSensors = map[SensorField]struct{}{
	SensorTemperature:  {},
	SensorHumidity:     {},
	SensorSoilMoisture: {},
}

var validOperators = map[Operator]struct{}{
	OpGreater:      {},
	OpLess:         {},
	OpGreaterEqual: {},
	OpLessEqual:    {},
	OpEqual:        {},
}

// ValidateRule performs full validation on a rule.
// Returns an error describing the first validation failure found.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}

	if len(r.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRule, maxNameLength)
	}

	if !relay.ValidID(r.RelayID) {
		return fmt.Errorf("%w: relay_id must be %d-%d", ErrInvalidRule, relay.MinID, relay.MaxID)
	}

	if _, ok := r.Action.State(); !ok {
		return fmt.Errorf("%w: invalid action %q", ErrInvalidRule, r.Action)
	}

	switch r.RuleType {
	case RuleTypeSensor:
		if r.Schedule != nil {
			return fmt.Errorf("%w: sensor rule cannot carry a schedule", ErrInvalidRule)
		}
		return ValidateCondition(r.Condition)
	case RuleTypeTime:
		if r.Condition != nil {
			return fmt.Errorf("%w: time rule cannot carry a condition", ErrInvalidRule)
		}
		return ValidateSchedule(r.Schedule)
	default:
		return fmt.Errorf("%w: invalid rule_type %q", ErrInvalidRule, r.RuleType)
	}
}

// ValidateCondition checks a sensor condition.
func ValidateCondition(c *Condition) error {
	if c == nil {
		return fmt.Errorf("%w: condition is required", ErrInvalidCondition)
	}
	if _, ok := validSensors[c.Sensor]; !ok {
		return fmt.Errorf("%w: unknown sensor %q", ErrInvalidCondition, c.Sensor)
	}
	if _, ok := validOperators[c.Operator]; !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, c.Operator)
	}
	return nil
}

// ValidateSchedule checks a time schedule.
func ValidateSchedule(s *Schedule) error {
	if s == nil {
		return fmt.Errorf("%w: schedule is required", ErrInvalidSchedule)
	}
	if !scheduleRegex.MatchString(s.Time) {
		return fmt.Errorf("%w: time must be HH:MM (24h), got %q", ErrInvalidSchedule, s.Time)
	}
	for _, d := range s.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("%w: day %d out of range 0-6", ErrInvalidSchedule, d)
		}
	}
	return nil
}

// Normalize drops the trigger group that does not match the rule type,
// trims the name, and sorts and de-duplicates schedule days.
func Normalize(r *Rule) {
	r.Name = strings.TrimSpace(r.Name)
	switch r.RuleType {
	case RuleTypeSensor:
		r.Schedule = nil
	case RuleTypeTime:
		r.Condition = nil
	}
	if r.Schedule != nil && len(r.Schedule.Days) > 0 {
		days := slices.Clone(r.Schedule.Days)
		slices.Sort(days)
		r.Schedule.Days = slices.Compact(days)
	}
}

// GenerateID creates a new rule identifier.
func GenerateID() string {
	return uuid.New().String()
}
