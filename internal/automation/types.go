package automation

import "time"

// RuleType selects which trigger evaluates a rule.
type RuleType string

const (
	// RuleTypeSensor rules are evaluated against every incoming reading.
	RuleTypeSensor RuleType = "sensor"
	// RuleTypeTime rules are evaluated once per clock tick.
	RuleTypeTime RuleType = "time"
)

// SensorField names a measurement a condition can test.
type SensorField string

const (
	SensorTemperature  SensorField = "temperature"
	SensorHumidity     SensorField = "humidity"
	SensorSoilMoisture SensorField = "soil_moisture"
)

// Operator is a comparison operator used by sensor conditions.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// Action is what a rule does to its relay when it fires.
type Action string

const (
	ActionTurnOn  Action = "turn_on"
	ActionTurnOff Action = "turn_off"

	// Short aliases accepted from older dashboards.
	ActionOn  Action = "on"
	ActionOff Action = "off"
)

// State returns the relay state the action drives towards and whether the
// action is recognised.
func (a Action) State() (state, ok bool) {
	switch a {
	case ActionTurnOn, ActionOn:
		return true, true
	case ActionTurnOff, ActionOff:
		return false, true
	default:
		return false, false
	}
}

// Condition is the trigger of a sensor rule.
type Condition struct {
	Sensor    SensorField `json:"sensor"`
	Operator  Operator    `json:"operator"`
	Threshold float64     `json:"threshold"`
}

// Schedule is the trigger of a time rule.
//
// Time is "HH:MM" in 24h form. Days holds weekdays with 0 = Sunday;
// an empty Days matches every day.
type Schedule struct {
	Time string `json:"time"`
	Days []int  `json:"days"`
}

// Rule binds a trigger to an action on one relay.
//
// Exactly one of Condition and Schedule is set, matching RuleType.
type Rule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	RelayID   int        `json:"relay_id"`
	Enabled   bool       `json:"enabled"`
	RuleType  RuleType   `json:"rule_type"`
	Condition *Condition `json:"condition,omitempty"`
	Schedule  *Schedule  `json:"schedule,omitempty"`
	Action    Action     `json:"action"`

	// Priority orders rule listings for operators. Evaluation ignores it.
	Priority int `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRule returns a rule carrying the defaults applied before client
// fields are decoded over it.
func NewRule() *Rule {
	return &Rule{Enabled: true, RuleType: RuleTypeSensor}
}

// Clone returns an independent copy of r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Condition != nil {
		c := *r.Condition
		cpy.Condition = &c
	}
	if r.Schedule != nil {
		s := *r.Schedule
		s.Days = append([]int(nil), r.Schedule.Days...)
		cpy.Schedule = &s
	}
	return &cpy
}

// Measurements is the view of a sensor reading the engine evaluates.
type Measurements interface {
	// Measurement returns the value of a field, or false when the reading
	// does not carry it.
	Measurement(field string) (float64, bool)
}

// PassResult summarises one evaluation pass.
type PassResult struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}
