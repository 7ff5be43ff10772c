package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/audit"
	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/ratelimit"
	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

// Inbound events.
const (
	EventDeviceRegister = "device:register"
	EventSensorData     = "sensor:data"
	EventRelayState     = "relay:state"
	EventRelayCommand   = "relay:command"
	EventLog            = "log"
	EventPing           = "ping"
	EventMetrics        = "metrics"
	EventRelayStates    = "relay:states"
	EventSensorLatest   = "sensor:latest"
	EventSensorHistory  = "sensor:history"
	EventLogList        = "log:list"
	EventRuleList       = "rule:list"
	EventRuleCreate     = "rule:create"
	EventRuleUpdate     = "rule:update"
	EventRuleDelete     = "rule:delete"
)

// Device registration replies.
const (
	EventDeviceAuthSuccess = "device:auth_success"
	EventDeviceAuthFailed  = "device:auth_failed"
)

// Codes carried by error events.
const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeUnknownEvent   = "UNKNOWN_EVENT"
)

// RateExemptEvents lists keepalive and telemetry events the connection rate
// guard never counts.
func RateExemptEvents() []string {
	return []string{EventPing, EventMetrics}
}

// response is the reply envelope for request/response events.
type response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Count     *int      `json:"count,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type eventFunc func(ctx context.Context, c *WSClient, data json.RawMessage)

type eventRoute struct {
	handle eventFunc
	// deviceOnly events are dropped unless the connection registered.
	deviceOnly bool
}

func (s *Server) eventRoutes() map[string]eventRoute {
	return map[string]eventRoute{
		EventDeviceRegister: {handle: s.onDeviceRegister},
		EventSensorData:     {handle: s.onSensorData, deviceOnly: true},
		EventRelayState:     {handle: s.onRelayState, deviceOnly: true},
		EventLog:            {handle: s.onDeviceLog, deviceOnly: true},
		EventMetrics:        {handle: s.onDeviceMetrics, deviceOnly: true},
		EventPing:           {handle: s.onPing},
		EventRelayCommand:   {handle: s.onRelayCommand},
		EventRelayStates:    {handle: s.onRelayStates},
		EventSensorLatest:   {handle: s.onSensorLatest},
		EventSensorHistory:  {handle: s.onSensorHistory},
		EventLogList:        {handle: s.onLogList},
		EventRuleList:       {handle: s.onRuleList},
		EventRuleCreate:     {handle: s.onRuleCreate},
		EventRuleUpdate:     {handle: s.onRuleUpdate},
		EventRuleDelete:     {handle: s.onRuleDelete},
	}
}

// handleMessage decodes one inbound frame, applies the rate guard, and
// routes it. Handlers run on the connection's read goroutine, so frames from
// one connection are processed in order.
func (s *Server) handleMessage(c *WSClient, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		c.emitError("message must be a JSON object with an event field", CodeInvalidPayload)
		return
	}

	if s.guard != nil {
		if d := s.guard.Allow(c.ID(), f.Event); !d.Allowed {
			c.emitError("Rate limit exceeded. Please slow down.", ratelimit.ErrorCode)
			return
		}
	}

	route, ok := s.events[f.Event]
	if !ok {
		c.emitError("unknown event: "+f.Event, CodeUnknownEvent)
		return
	}
	if route.deviceOnly && !c.IsDevice() {
		s.logger.Warn("dropping device event from unregistered connection",
			"conn_id", c.ID(), "event", f.Event)
		return
	}

	route.handle(s.baseCtx, c, f.Data)
}

// handleClose releases per-connection state once a client is gone.
func (s *Server) handleClose(c *WSClient) {
	if s.guard != nil {
		s.guard.Forget(c.ID())
	}
	if info, ok := c.Device(); ok {
		s.logger.Info("device disconnected", "device_id", info.DeviceID, "conn_id", c.ID())
	}
}

// decode unmarshals an optional payload. An absent payload leaves v untouched.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (s *Server) reply(c *WSClient, event string, data any, count int) {
	resp := response{Success: true, Data: data, Timestamp: s.now().UTC()}
	if count >= 0 {
		resp.Count = &count
	}
	c.emit(event, resp)
}

func (s *Server) replyMessage(c *WSClient, event string, data any, message string) {
	c.emit(event, response{Success: true, Data: data, Message: message, Timestamp: s.now().UTC()})
}

func (s *Server) replyError(c *WSClient, event string, err string) {
	c.emit(event, response{Success: false, Error: err, Timestamp: s.now().UTC()})
}

type registerRequest struct {
	DeviceID        string `json:"device_id"`
	DeviceType      string `json:"device_type"`
	FirmwareVersion string `json:"firmware_version"`
	AuthToken       string `json:"auth_token"`
}

func (s *Server) onDeviceRegister(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req registerRequest
	if err := decode(data, &req); err != nil {
		c.emitError("invalid device:register payload", CodeInvalidPayload)
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = sensor.DefaultDeviceID
	}

	if err := s.admitter.AdmitDevice(req.AuthToken); err != nil {
		s.logger.Warn("device authentication failed",
			"device_id", req.DeviceID, "conn_id", c.ID(), "error", err)
		c.emit(EventDeviceAuthFailed, map[string]string{
			"error":     "Invalid authentication token",
			"device_id": req.DeviceID,
		})
		c.disconnect()
		return
	}

	c.promote(DeviceInfo{
		DeviceID:        req.DeviceID,
		DeviceType:      req.DeviceType,
		FirmwareVersion: req.FirmwareVersion,
		RegisteredAt:    s.now().UTC(),
	})
	c.emit(EventDeviceAuthSuccess, map[string]string{
		"device_id": req.DeviceID,
		"message":   "Authentication successful",
	})
	s.logger.Info("device registered",
		"device_id", req.DeviceID, "firmware", req.FirmwareVersion, "conn_id", c.ID())

	if err := s.relays.SeedDefaults(ctx, req.DeviceID); err != nil {
		s.logger.Error("seeding default relay states failed", "device_id", req.DeviceID, "error", err)
	}
}

func (s *Server) onSensorData(ctx context.Context, c *WSClient, data json.RawMessage) {
	var in sensor.Input
	if err := decode(data, &in); err != nil {
		c.emitError("invalid sensor:data payload", CodeInvalidPayload)
		return
	}
	if in.DeviceID == "" {
		if info, ok := c.Device(); ok {
			in.DeviceID = info.DeviceID
		}
	}

	if _, err := s.ingester.Ingest(ctx, in); err != nil {
		if errors.Is(err, sensor.ErrInvalidReading) || errors.Is(err, sensor.ErrEmptyReading) {
			c.emitError(err.Error(), CodeInvalidPayload)
		}
	}
}

// relayRequest is the payload of relay:command and relay:state.
type relayRequest struct {
	RelayID   *int       `json:"relay_id"`
	State     *bool      `json:"state"`
	Mode      relay.Mode `json:"mode"`
	ChangedBy string     `json:"changed_by"`
}

func (r relayRequest) change(origin relay.Origin, deviceID string) (relay.Change, error) {
	if r.RelayID == nil || r.State == nil {
		return relay.Change{}, errors.New("relay_id and state are required")
	}
	return relay.Change{
		RelayID:   *r.RelayID,
		State:     *r.State,
		Mode:      r.Mode,
		ChangedBy: r.ChangedBy,
		DeviceID:  deviceID,
		Origin:    origin,
	}, nil
}

// onRelayState handles the controller echoing a relay it switched. The
// transition is recorded and broadcast but never sent back as a command.
func (s *Server) onRelayState(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req relayRequest
	if err := decode(data, &req); err != nil {
		c.emitError("invalid relay:state payload", CodeInvalidPayload)
		return
	}
	info, _ := c.Device()
	change, err := req.change(relay.OriginDevice, info.DeviceID)
	if err != nil {
		c.emitError(err.Error(), CodeInvalidPayload)
		return
	}
	if _, err := s.relays.Apply(ctx, change); err != nil {
		if isRelayValidation(err) {
			c.emitError(err.Error(), CodeInvalidPayload)
		}
	}
}

func (s *Server) onRelayCommand(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req relayRequest
	if err := decode(data, &req); err != nil {
		s.replyError(c, EventRelayCommand, "invalid relay:command payload")
		return
	}
	change, err := req.change(relay.OriginOperator, "")
	if err != nil {
		s.replyError(c, EventRelayCommand, err.Error())
		return
	}
	st, err := s.relays.Apply(ctx, change)
	if err != nil {
		s.replyError(c, EventRelayCommand, err.Error())
		return
	}
	s.replyMessage(c, EventRelayCommand, st,
		fmt.Sprintf("%s turned %s", relay.Name(st.RelayID), relay.OnOff(st.State)))
}

func isRelayValidation(err error) bool {
	return errors.Is(err, relay.ErrInvalidRelayID) || errors.Is(err, relay.ErrInvalidMode)
}

type logRequest struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	DeviceID string `json:"device_id"`
}

func (s *Server) onDeviceLog(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req logRequest
	if err := decode(data, &req); err != nil || req.Message == "" {
		c.emitError("log requires a message", CodeInvalidPayload)
		return
	}
	if req.DeviceID == "" {
		info, _ := c.Device()
		req.DeviceID = info.DeviceID
	}

	level := audit.ParseLevel(req.Level)
	if level == audit.LevelWarning || level == audit.LevelError {
		s.logger.Warn("controller reported a problem",
			"device_id", req.DeviceID, "level", level, "message", req.Message)
	}

	err := s.audit.Record(ctx, &audit.Entry{
		Level:    level,
		Source:   audit.SourceDevice,
		Message:  req.Message,
		Metadata: map[string]any{"device_id": req.DeviceID},
	})
	if err != nil {
		s.logger.Error("saving controller log entry failed", "device_id", req.DeviceID, "error", err)
	}
}

func (s *Server) onDeviceMetrics(_ context.Context, c *WSClient, data json.RawMessage) {
	if len(data) == 0 || !json.Valid(data) {
		return
	}
	c.recordMetrics(data, s.now().UTC())
}

func (s *Server) onPing(_ context.Context, c *WSClient, _ json.RawMessage) {
	c.emit(EventPong, map[string]any{"timestamp": s.now().UTC()})
}

func (s *Server) onRelayStates(ctx context.Context, c *WSClient, _ json.RawMessage) {
	states, err := s.relays.CurrentStates(ctx)
	if err != nil {
		s.logger.Error("listing relay states failed", "error", err)
		s.replyError(c, EventRelayStates, err.Error())
		return
	}
	s.reply(c, EventRelayStates, states, len(states))
}

func (s *Server) onSensorLatest(ctx context.Context, c *WSClient, _ json.RawMessage) {
	reading, err := s.readings.Latest(ctx)
	switch {
	case errors.Is(err, sensor.ErrNoReadings):
		s.reply(c, EventSensorLatest, nil, -1)
	case err != nil:
		s.logger.Error("loading latest reading failed", "error", err)
		s.replyError(c, EventSensorLatest, err.Error())
	default:
		s.reply(c, EventSensorLatest, reading, -1)
	}
}

type historyRequest struct {
	Limit     int        `json:"limit"`
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
	DeviceID  string     `json:"device_id"`
}

func (r historyRequest) query() sensor.HistoryQuery {
	q := sensor.HistoryQuery{DeviceID: r.DeviceID, Limit: r.Limit}
	if r.StartDate != nil {
		q.Start = *r.StartDate
	}
	if r.EndDate != nil {
		q.End = *r.EndDate
	}
	return q
}

func (s *Server) onSensorHistory(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req historyRequest
	if err := decode(data, &req); err != nil {
		s.replyError(c, EventSensorHistory, "invalid sensor:history payload")
		return
	}
	readings, err := s.readings.History(ctx, req.query())
	if err != nil {
		s.logger.Error("loading sensor history failed", "error", err)
		s.replyError(c, EventSensorHistory, err.Error())
		return
	}
	s.reply(c, EventSensorHistory, readings, len(readings))
}

type logListRequest struct {
	Limit  int    `json:"limit"`
	Level  string `json:"level"`
	Source string `json:"source"`
}

func (s *Server) onLogList(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req logListRequest
	if err := decode(data, &req); err != nil {
		s.replyError(c, EventLogList, "invalid log:list payload")
		return
	}
	entries, err := s.audit.List(ctx, audit.Filter{
		Level:  audit.Level(req.Level),
		Source: audit.Source(req.Source),
		Limit:  req.Limit,
	})
	if err != nil {
		s.logger.Error("listing system log failed", "error", err)
		s.replyError(c, EventLogList, err.Error())
		return
	}
	s.reply(c, EventLogList, entries, len(entries))
}

func (s *Server) onRuleList(ctx context.Context, c *WSClient, _ json.RawMessage) {
	rules, err := s.rules.List(ctx)
	if err != nil {
		s.logger.Error("listing rules failed", "error", err)
		s.replyError(c, EventRuleList, err.Error())
		return
	}
	s.reply(c, EventRuleList, rules, len(rules))
}

func (s *Server) onRuleCreate(ctx context.Context, c *WSClient, data json.RawMessage) {
	rule, err := automation.DecodeRule(data)
	if err != nil {
		s.replyError(c, EventRuleCreate, err.Error())
		return
	}
	created, err := s.rules.Create(ctx, rule)
	if err != nil {
		s.replyError(c, EventRuleCreate, err.Error())
		return
	}
	s.replyMessage(c, EventRuleCreate, created, "Rule created successfully")
}

type ruleUpdateRequest struct {
	RuleID   string          `json:"ruleId"`
	RuleData json.RawMessage `json:"ruleData"`
}

func (s *Server) onRuleUpdate(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req ruleUpdateRequest
	if err := decode(data, &req); err != nil || req.RuleID == "" {
		s.replyError(c, EventRuleUpdate, "ruleId is required")
		return
	}
	updated, err := s.rules.Update(ctx, req.RuleID, req.RuleData)
	if err != nil {
		s.replyError(c, EventRuleUpdate, ruleErrorMessage(err))
		return
	}
	s.replyMessage(c, EventRuleUpdate, updated, "Rule updated successfully")
}

type ruleDeleteRequest struct {
	RuleID string `json:"ruleId"`
}

func (s *Server) onRuleDelete(ctx context.Context, c *WSClient, data json.RawMessage) {
	var req ruleDeleteRequest
	if err := decode(data, &req); err != nil || req.RuleID == "" {
		s.replyError(c, EventRuleDelete, "ruleId is required")
		return
	}
	if err := s.rules.Delete(ctx, req.RuleID); err != nil {
		s.replyError(c, EventRuleDelete, ruleErrorMessage(err))
		return
	}
	s.replyMessage(c, EventRuleDelete, map[string]string{"id": req.RuleID}, "Rule deleted successfully")
}

func ruleErrorMessage(err error) string {
	if errors.Is(err, automation.ErrRuleNotFound) {
		return "Rule not found"
	}
	return err.Error()
}
