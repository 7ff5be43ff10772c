package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/metrics"
	"github.com/reimonlp/greenhouse/internal/relay"
)

// RuleSource is the read side of the rule store the engine needs.
type RuleSource interface {
	ListEnabled(ctx context.Context, ruleType RuleType) ([]Rule, error)
}

// RelayWriter applies relay transitions. relay.Service implements it.
type RelayWriter interface {
	Apply(ctx context.Context, change relay.Change) (*relay.State, error)
}

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Skip reasons reported to metrics.
const (
	skipMissingValue     = "missing_value"
	skipInvalidCondition = "invalid_condition"
	skipInvalidSchedule  = "invalid_schedule"
	skipInvalidAction    = "invalid_action"
)

// Engine evaluates rules against readings and clock ticks.
//
// Rules are loaded fresh on every pass and evaluated independently in store
// order. There is no priority, cooldown, or short-circuit: when two rules
// fire on the same relay in one pass, the later write wins. A failure on one
// rule is logged and the pass continues.
//
// Thread Safety: passes may run concurrently. The engine holds no state
// between passes.
type Engine struct {
	rules    RuleSource
	relays   RelayWriter
	metrics  *metrics.Collectors
	logger   Logger
	location *time.Location
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(l Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEngineMetrics records evaluation outcomes.
func WithEngineMetrics(m *metrics.Collectors) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLocation sets the timezone schedules are written in.
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// NewEngine creates a rule engine.
func NewEngine(rules RuleSource, relays RelayWriter, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:    rules,
		relays:   relays,
		logger:   noopLogger{},
		location: time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnSensorReading runs one sensor pass over all enabled sensor rules.
func (e *Engine) OnSensorReading(ctx context.Context, reading Measurements) PassResult {
	var res PassResult

	rules, err := e.rules.ListEnabled(ctx, RuleTypeSensor)
	if err != nil {
		e.logger.Error("loading sensor rules failed", "error", err)
		res.Failed++
		return res
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Condition == nil {
			e.skip(&res, rule, skipInvalidCondition, "sensor rule has no condition")
			continue
		}

		value, ok := reading.Measurement(string(rule.Condition.Sensor))
		if !ok {
			e.skip(&res, rule, skipMissingValue, "reading has no value for sensor",
				"sensor", rule.Condition.Sensor)
			continue
		}

		matched, err := EvalSensor(value, rule.Condition.Operator, rule.Condition.Threshold)
		if err != nil {
			e.skip(&res, rule, skipInvalidCondition, "condition cannot be evaluated", "error", err)
			continue
		}

		res.Evaluated++
		e.metrics.RuleEvaluated(string(RuleTypeSensor), matched)
		e.logger.Debug("sensor rule evaluated",
			"rule_id", rule.ID,
			"sensor", rule.Condition.Sensor,
			"value", value,
			"operator", rule.Condition.Operator,
			"threshold", rule.Condition.Threshold,
			"matched", matched,
		)
		if !matched {
			continue
		}

		e.fire(ctx, &res, rule, "sensor", rule.Condition.Sensor, "value", value,
			"operator", rule.Condition.Operator, "threshold", rule.Condition.Threshold)
	}

	return res
}

// OnClockTick runs one time pass for the minute containing now.
func (e *Engine) OnClockTick(ctx context.Context, now time.Time) PassResult {
	var res PassResult

	rules, err := e.rules.ListEnabled(ctx, RuleTypeTime)
	if err != nil {
		e.logger.Error("loading time rules failed", "error", err)
		res.Failed++
		return res
	}
	if len(rules) == 0 {
		return res
	}

	local := now.In(e.location)
	for i := range rules {
		rule := &rules[i]
		if rule.Schedule == nil || ValidateSchedule(rule.Schedule) != nil {
			e.skip(&res, rule, skipInvalidSchedule, "time rule has no usable schedule")
			continue
		}

		matched := EvalTime(local, *rule.Schedule)
		res.Evaluated++
		e.metrics.RuleEvaluated(string(RuleTypeTime), matched)
		if !matched {
			continue
		}

		e.fire(ctx, &res, rule, "time", local.Format("15:04"), "weekday", int(local.Weekday()))
	}

	return res
}

// ExecuteRelayAction writes one rule-originated transition.
//
// It never reads the rule store. An out-of-range relay id is logged and
// returned as an error with nothing written.
func (e *Engine) ExecuteRelayAction(ctx context.Context, relayID int, state bool, mode relay.Mode, changedBy string) (*relay.State, error) {
	if !relay.ValidID(relayID) {
		e.logger.Warn("relay action rejected", "relay_id", relayID, "state", state)
		return nil, fmt.Errorf("%w: %d", relay.ErrInvalidRelayID, relayID)
	}
	return e.relays.Apply(ctx, relay.Change{
		RelayID:   relayID,
		State:     state,
		Mode:      mode,
		ChangedBy: changedBy,
		Origin:    relay.OriginRule,
	})
}

func (e *Engine) fire(ctx context.Context, res *PassResult, rule *Rule, logArgs ...any) {
	state, ok := rule.Action.State()
	if !ok {
		e.skip(res, rule, skipInvalidAction, "rule has unknown action", "action", rule.Action)
		return
	}

	args := append([]any{
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"relay_id", rule.RelayID,
		"action", rule.Action,
	}, logArgs...)

	if _, err := e.ExecuteRelayAction(ctx, rule.RelayID, state, relay.ModeAuto, relay.ChangedByRule); err != nil {
		res.Failed++
		e.logger.Error("rule action failed", append(args, "error", err)...)
		return
	}

	res.Triggered++
	e.metrics.RuleTriggered(string(rule.RuleType))
	e.logger.Info("rule triggered", args...)
}

func (e *Engine) skip(res *PassResult, rule *Rule, reason, msg string, args ...any) {
	res.Skipped++
	e.metrics.RuleSkipped(reason)
	e.logger.Warn(msg, append([]any{"rule_id", rule.ID, "relay_id", rule.RelayID}, args...)...)
}
