package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/audit"
	"github.com/reimonlp/greenhouse/internal/metrics"
)

// Events emitted by the service.
const (
	EventChanged = "relay:changed"
	EventCommand = "relay:command"
)

// Broadcaster is the subset of the real-time hub the service needs.
type Broadcaster interface {
	// Broadcast sends to every observer.
	Broadcast(event string, payload any)
	// BroadcastToDevices sends to the device subgroup only.
	BroadcastToDevices(event string, payload any)
}

// AuditRecorder stores a system log entry.
type AuditRecorder interface {
	Record(ctx context.Context, entry *audit.Entry) error
}

// CommandMirror forwards command directives over a second transport (MQTT).
type CommandMirror interface {
	PublishRelayCommand(cmd Command) error
}

// TransitionSink receives every persisted transition for telemetry.
type TransitionSink interface {
	WriteRelayState(s *State)
}

// Logger is the logging interface used by the service.
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

// Service is the single entry point for every relay transition.
//
// Operator commands, rule actions, device echoes and seeded defaults all go
// through Apply, which appends to the register, records a system log entry,
// and notifies observers. Only operator and rule transitions are pushed to
// the device subgroup.
type Service struct {
	register Register
	recorder AuditRecorder
	hub      Broadcaster
	mirror   CommandMirror
	sink     TransitionSink
	metrics  *metrics.Collectors
	logger   Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCommandMirror forwards command directives to an additional transport.
func WithCommandMirror(m CommandMirror) Option {
	return func(s *Service) { s.mirror = m }
}

// WithTransitionSink forwards persisted transitions to telemetry.
func WithTransitionSink(sink TransitionSink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithMetrics records relay writes.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source. Tests use it to control timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. hub may be nil when nothing listens.
func NewService(register Register, recorder AuditRecorder, hub Broadcaster, opts ...Option) *Service {
	s := &Service{
		register: register,
		recorder: recorder,
		hub:      hub,
		logger:   noopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply validates a change, fills in per-writer defaults, and appends it.
//
// A failure to write the system log entry is logged but does not fail the
// transition: the relay record is already durable and observers must hear
// about it.
func (s *Service) Apply(ctx context.Context, change Change) (*State, error) {
	if !ValidID(change.RelayID) {
		s.logger.Warn("rejecting relay change with invalid relay id",
			"relay_id", change.RelayID, "origin", change.Origin, "changed_by", change.ChangedBy)
		return nil, fmt.Errorf("%w: %d", ErrInvalidRelayID, change.RelayID)
	}

	if change.Origin == "" {
		change.Origin = OriginOperator
	}
	if change.Mode == "" {
		change.Mode = defaultMode(change.Origin)
	}
	if !change.Mode.Valid() {
		s.logger.Warn("rejecting relay change with invalid mode",
			"relay_id", change.RelayID, "mode", change.Mode)
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, change.Mode)
	}
	if change.ChangedBy == "" {
		change.ChangedBy = defaultChangedBy(change.Origin)
	}

	st := &State{
		RelayID:   change.RelayID,
		State:     change.State,
		Mode:      change.Mode,
		ChangedBy: change.ChangedBy,
		DeviceID:  change.DeviceID,
		Timestamp: s.now().UTC(),
	}

	if err := s.register.Insert(ctx, st); err != nil {
		s.logger.Error("saving relay state failed",
			"relay_id", st.RelayID, "state", st.State, "mode", st.Mode, "origin", change.Origin, "error", err)
		return nil, err
	}
	s.metrics.RelayWrite(string(change.Origin))

	s.logger.Info("relay state saved",
		"relay_id", st.RelayID, "relay", Name(st.RelayID), "state", st.State,
		"mode", st.Mode, "changed_by", st.ChangedBy, "origin", change.Origin)

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, auditEntry(st, change.Origin)); err != nil {
			s.logger.Error("recording relay transition failed", "relay_id", st.RelayID, "error", err)
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(EventChanged, st)
	}

	if change.Origin.issuesCommand() {
		cmd := Command{
			RelayID:   st.RelayID,
			State:     st.State,
			Mode:      st.Mode,
			ChangedBy: st.ChangedBy,
			Timestamp: st.Timestamp,
		}
		if s.hub != nil {
			s.hub.BroadcastToDevices(EventCommand, cmd)
		}
		if s.mirror != nil {
			if err := s.mirror.PublishRelayCommand(cmd); err != nil {
				s.logger.Warn("mirroring relay command failed", "relay_id", cmd.RelayID, "error", err)
			}
		}
	}

	if s.sink != nil {
		s.sink.WriteRelayState(st)
	}

	return st, nil
}

// Current returns the current state of one relay.
func (s *Service) Current(ctx context.Context, relayID int) (*State, error) {
	if !ValidID(relayID) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRelayID, relayID)
	}
	return s.register.Latest(ctx, relayID)
}

// CurrentStates returns the current state of every relay with its name.
func (s *Service) CurrentStates(ctx context.Context) ([]NamedState, error) {
	states, err := s.register.LatestAll(ctx)
	if err != nil {
		return nil, err
	}
	named := make([]NamedState, 0, len(states))
	for _, st := range states {
		named = append(named, NamedState{State: st, Name: Name(st.RelayID)})
	}
	return named, nil
}

// History returns transitions of one relay, newest first.
func (s *Service) History(ctx context.Context, relayID int, limit int) ([]State, error) {
	if !ValidID(relayID) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRelayID, relayID)
	}
	return s.register.History(ctx, relayID, limit)
}

// SeedDefaults writes an "off, manual" record for every relay that has no
// history yet. Called when a controller registers.
func (s *Service) SeedDefaults(ctx context.Context, deviceID string) error {
	var errs []error
	for id := MinID; id <= MaxID; id++ {
		_, err := s.register.Latest(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrStateNotFound) {
			errs = append(errs, err)
			continue
		}
		if _, err := s.Apply(ctx, Change{
			RelayID:  id,
			State:    false,
			Mode:     ModeManual,
			DeviceID: deviceID,
			Origin:   OriginSystem,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func defaultMode(o Origin) Mode {
	if o == OriginRule {
		return ModeAuto
	}
	return ModeManual
}

func defaultChangedBy(o Origin) string {
	switch o {
	case OriginRule:
		return ChangedByRule
	case OriginDevice:
		return ChangedByDevice
	case OriginSystem:
		return ChangedBySystem
	default:
		return ChangedByUser
	}
}

func auditEntry(st *State, origin Origin) *audit.Entry {
	name := Name(st.RelayID)
	var source audit.Source
	var message string

	switch origin {
	case OriginRule:
		source = audit.SourceRuleEngine
		message = fmt.Sprintf("Relay %d (%s) turned %s via %s mode", st.RelayID, name, OnOff(st.State), st.Mode)
	case OriginDevice:
		source = audit.SourceDevice
		message = fmt.Sprintf("Relay %d (%s) changed to %s", st.RelayID, name, OnOff(st.State))
	case OriginSystem:
		source = audit.SourceSystem
		message = fmt.Sprintf("Relay %d (%s) initialised %s", st.RelayID, name, OnOff(st.State))
	default:
		source = audit.SourceAPI
		message = fmt.Sprintf("Relay %d (%s) commanded %s via dashboard", st.RelayID, name, OnOff(st.State))
	}

	return &audit.Entry{
		Level:   audit.LevelInfo,
		Source:  source,
		Message: message,
		Metadata: map[string]any{
			"relay_id":   st.RelayID,
			"relay_name": name,
			"state":      st.State,
			"mode":       string(st.Mode),
			"changed_by": st.ChangedBy,
		},
		Timestamp: st.Timestamp,
	}
}
