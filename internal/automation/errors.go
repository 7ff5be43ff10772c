package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, automation.ErrRuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule: not found")

	// ErrRuleExists is returned when creating a rule with an ID that already exists.
	ErrRuleExists = errors.New("rule: already exists")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("rule: invalid")

	// ErrInvalidCondition is returned when a sensor condition is malformed.
	ErrInvalidCondition = errors.New("rule: invalid condition")

	// ErrInvalidSchedule is returned when a time schedule is malformed.
	ErrInvalidSchedule = errors.New("rule: invalid schedule")

	// ErrUnknownOperator is returned by the evaluator for an unsupported operator.
	ErrUnknownOperator = errors.New("rule: unknown operator")
)
