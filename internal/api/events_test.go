package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/ratelimit"
	"github.com/reimonlp/greenhouse/internal/relay"
)

type testFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// newFakeClient registers a connection without a socket. Handlers are
// synchronous, so every frame they produce is queued by the time
// handleMessage returns.
func newFakeClient(h *Hub) *WSClient {
	c := &WSClient{
		hub:         h,
		send:        make(chan []byte, 1024),
		id:          uuid.NewString(),
		connectedAt: time.Now(),
	}
	h.Register(c)
	return c
}

func sendEvent(t *testing.T, s *Server, c *WSClient, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	s.handleMessage(c, raw)
}

// drain returns every queued frame. closed reports whether the hub closed
// the client's channel.
func drain(t *testing.T, c *WSClient) (frames []testFrame, closed bool) {
	t.Helper()
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return frames, true
			}
			var f testFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("decoding frame %s: %v", raw, err)
			}
			frames = append(frames, f)
		default:
			return frames, false
		}
	}
}

func only(frames []testFrame, event string) []testFrame {
	var out []testFrame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func dataOf(t *testing.T, f testFrame) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("decoding %s data: %v", f.Event, err)
	}
	return m
}

func registerDevice(t *testing.T, env *testEnv) *WSClient {
	t.Helper()
	c := newFakeClient(env.hub)
	sendEvent(t, env.srv, c, EventDeviceRegister, map[string]any{
		"device_id":        "ESP32_TEST",
		"device_type":      "esp32",
		"firmware_version": "2.1.0",
		"auth_token":       testDeviceToken,
	})
	frames, _ := drain(t, c)
	if len(only(frames, EventDeviceAuthSuccess)) != 1 {
		t.Fatalf("registration frames = %+v, want device:auth_success", frames)
	}
	return c
}

func TestHandleMessage_InvalidFrame(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	env.srv.handleMessage(c, []byte("not json"))
	env.srv.handleMessage(c, []byte(`{"data":{}}`))

	frames, _ := drain(t, c)
	errs := only(frames, EventError)
	if len(errs) != 2 {
		t.Fatalf("error frames = %d, want 2", len(errs))
	}
	for _, f := range errs {
		if code := dataOf(t, f)["code"]; code != CodeInvalidPayload {
			t.Errorf("code = %v, want %s", code, CodeInvalidPayload)
		}
	}
}

func TestHandleMessage_UnknownEvent(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, "relay:explode", nil)

	frames, _ := drain(t, c)
	if len(frames) != 1 || dataOf(t, frames[0])["code"] != CodeUnknownEvent {
		t.Errorf("frames = %+v, want one UNKNOWN_EVENT error", frames)
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventPing, nil)

	frames, _ := drain(t, c)
	if len(only(frames, EventPong)) != 1 {
		t.Errorf("frames = %+v, want pong", frames)
	}
}

func TestDeviceRegister(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	c := registerDevice(t, env)
	if !c.IsDevice() {
		t.Fatal("client should be a device after registration")
	}
	info, _ := c.Device()
	if info.DeviceID != "ESP32_TEST" || info.FirmwareVersion != "2.1.0" {
		t.Errorf("device info = %+v", info)
	}

	states, err := env.relays.CurrentStates(ctx)
	if err != nil {
		t.Fatalf("CurrentStates() error: %v", err)
	}
	if len(states) != relay.Count {
		t.Fatalf("seeded %d relays, want %d", len(states), relay.Count)
	}
	for _, st := range states {
		if st.State.State || st.Mode != relay.ModeManual || st.ChangedBy != relay.ChangedBySystem {
			t.Errorf("seeded state = %+v, want off/manual/system", st)
		}
	}

	// A second registration does not reseed.
	registerDevice(t, env)
	if n := countRows(t, env.db, "relay_states"); n != relay.Count {
		t.Errorf("relay_states rows = %d, want %d", n, relay.Count)
	}
}

func TestDeviceRegister_BadTokenDisconnects(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventDeviceRegister, map[string]any{
		"device_id":  "intruder",
		"auth_token": "guess",
	})

	frames, closed := drain(t, c)
	failed := only(frames, EventDeviceAuthFailed)
	if len(failed) != 1 {
		t.Fatalf("frames = %+v, want device:auth_failed", frames)
	}
	if dataOf(t, failed[0])["device_id"] != "intruder" {
		t.Errorf("auth_failed data = %s", failed[0].Data)
	}
	if !closed {
		t.Error("connection should be closed after failed registration")
	}
	if env.hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", env.hub.ClientCount())
	}
	if n := countRows(t, env.db, "relay_states"); n != 0 {
		t.Errorf("relay_states rows = %d, want 0", n)
	}
}

func TestDeviceOnlyEvents_DroppedForObservers(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventSensorData, map[string]any{"temperature": 22.0})
	sendEvent(t, env.srv, c, EventRelayState, map[string]any{"relay_id": 0, "state": true})
	sendEvent(t, env.srv, c, EventLog, map[string]any{"message": "hello"})

	if n := countRows(t, env.db, "sensor_readings"); n != 0 {
		t.Errorf("sensor_readings rows = %d, want 0", n)
	}
	if n := countRows(t, env.db, "relay_states"); n != 0 {
		t.Errorf("relay_states rows = %d, want 0", n)
	}
	if n := countRows(t, env.db, "system_logs"); n != 0 {
		t.Errorf("system_logs rows = %d, want 0", n)
	}
}

func TestSensorData_IngestsAndBroadcasts(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)
	observer := newFakeClient(env.hub)

	sendEvent(t, env.srv, device, EventSensorData, map[string]any{
		"temperature": 25.0,
		"humidity":    60.0,
	})

	frames, _ := drain(t, observer)
	news := only(frames, "sensor:new")
	if len(news) != 1 {
		t.Fatalf("observer frames = %+v, want one sensor:new", frames)
	}
	// The registered device id fills in for a payload without one.
	if got := dataOf(t, news[0])["device_id"]; got != "ESP32_TEST" {
		t.Errorf("device_id = %v, want ESP32_TEST", got)
	}
}

func TestSensorData_InvalidReading(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)

	sendEvent(t, env.srv, device, EventSensorData, map[string]any{"temperature": 250.0})

	frames, _ := drain(t, device)
	errs := only(frames, EventError)
	if len(errs) != 1 || dataOf(t, errs[0])["code"] != CodeInvalidPayload {
		t.Errorf("frames = %+v, want INVALID_PAYLOAD error", frames)
	}
	if n := countRows(t, env.db, "sensor_readings"); n != 0 {
		t.Errorf("sensor_readings rows = %d, want 0", n)
	}
}

func TestSensorData_TriggersRule(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)

	rule := automation.NewRule()
	rule.Name = "Fan above 30C"
	rule.RelayID = 1
	rule.Action = automation.ActionTurnOn
	rule.Condition = &automation.Condition{Sensor: "temperature", Operator: ">", Threshold: 30}
	if _, err := env.rules.Create(context.Background(), rule); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	drain(t, device)

	sendEvent(t, env.srv, device, EventSensorData, map[string]any{"temperature": 30.5})

	frames, _ := drain(t, device)
	cmds := only(frames, relay.EventCommand)
	if len(cmds) != 1 {
		t.Fatalf("device frames = %+v, want one relay:command", frames)
	}
	cmd := dataOf(t, cmds[0])
	if cmd["relay_id"] != float64(1) || cmd["state"] != true || cmd["mode"] != string(relay.ModeAuto) {
		t.Errorf("command = %v, want relay 1 on in auto mode", cmd)
	}
}

func TestRelayCommand_DirectiveOnlyToDevices(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)
	observer := newFakeClient(env.hub)
	drain(t, device)

	sendEvent(t, env.srv, observer, EventRelayCommand, map[string]any{"relay_id": 2, "state": true})

	obs, _ := drain(t, observer)
	if len(only(obs, relay.EventChanged)) != 1 {
		t.Errorf("observer should receive relay:changed, got %+v", obs)
	}
	// The only relay:command frame an observer sees is its own reply.
	replies := only(obs, EventRelayCommand)
	if len(replies) != 1 {
		t.Fatalf("observer relay:command frames = %d, want 1 reply", len(replies))
	}
	reply := dataOf(t, replies[0])
	if reply["success"] != true || reply["message"] != "Pump turned on" {
		t.Errorf("reply = %v", reply)
	}

	dev, _ := drain(t, device)
	cmds := only(dev, relay.EventCommand)
	if len(cmds) != 1 {
		t.Fatalf("device relay:command frames = %d, want 1", len(cmds))
	}
	if _, isReply := dataOf(t, cmds[0])["success"]; isReply {
		t.Error("device should receive a directive, not a reply envelope")
	}

	st, err := env.relays.Current(context.Background(), 2)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if !st.State || st.Mode != relay.ModeManual || st.ChangedBy != relay.ChangedByUser {
		t.Errorf("current = %+v, want on/manual/user", st)
	}
}

func TestRelayCommand_InvalidRelay(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	observer := newFakeClient(env.hub)

	sendEvent(t, env.srv, observer, EventRelayCommand, map[string]any{"relay_id": 4, "state": true})
	sendEvent(t, env.srv, observer, EventRelayCommand, map[string]any{"relay_id": 1})

	frames, _ := drain(t, observer)
	replies := only(frames, EventRelayCommand)
	if len(replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(replies))
	}
	for _, r := range replies {
		if dataOf(t, r)["success"] != false {
			t.Errorf("reply = %s, want failure", r.Data)
		}
	}
	if n := countRows(t, env.db, "relay_states"); n != 0 {
		t.Errorf("relay_states rows = %d, want 0", n)
	}
}

func TestRelayState_EchoIsNotReissued(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)
	observer := newFakeClient(env.hub)

	sendEvent(t, env.srv, device, EventRelayState, map[string]any{"relay_id": 0, "state": true})

	if len(only(mustDrain(t, observer), relay.EventChanged)) != 1 {
		t.Error("observer should receive relay:changed for a device echo")
	}
	if cmds := only(mustDrain(t, device), relay.EventCommand); len(cmds) != 0 {
		t.Errorf("device received %d relay:command frames for its own echo", len(cmds))
	}

	st, err := env.relays.Current(context.Background(), 0)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if st.ChangedBy != relay.ChangedByDevice || st.DeviceID != "ESP32_TEST" {
		t.Errorf("current = %+v, want changed_by esp32 from ESP32_TEST", st)
	}
}

func mustDrain(t *testing.T, c *WSClient) []testFrame {
	t.Helper()
	frames, _ := drain(t, c)
	return frames
}

func TestDeviceLog(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)
	observer := newFakeClient(env.hub)

	sendEvent(t, env.srv, device, EventLog, map[string]any{"level": "warn", "message": "DHT read failed"})

	news := only(mustDrain(t, observer), "log:new")
	if len(news) != 1 {
		t.Fatalf("observer should receive log:new")
	}
	entry := dataOf(t, news[0])
	if entry["level"] != "warning" || entry["source"] != "esp32" {
		t.Errorf("entry = %v, want warning from esp32", entry)
	}
}

func TestDeviceMetrics_Stored(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)

	sendEvent(t, env.srv, device, EventMetrics, map[string]any{"reconnections": 2, "uptimeSeconds": 3600})

	devices := env.hub.Devices()
	if len(devices) != 1 {
		t.Fatalf("Devices() = %d, want 1", len(devices))
	}
	var m map[string]any
	if err := json.Unmarshal(devices[0].LastMetrics, &m); err != nil {
		t.Fatalf("decoding metrics: %v", err)
	}
	if m["uptimeSeconds"] != float64(3600) || devices[0].LastMetricsAt == nil {
		t.Errorf("stored metrics = %v", m)
	}
}

func TestRuleCRUD(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventRuleCreate, map[string]any{
		"name":      "Morning lights",
		"relay_id":  0,
		"rule_type": "time",
		"schedule":  map[string]any{"time": "06:30", "days": []int{1, 3, 5}},
		"action":    "turn_on",
	})
	frames := mustDrain(t, c)
	if len(only(frames, automation.EventRuleCreated)) != 1 {
		t.Errorf("frames = %+v, want rule:created broadcast", frames)
	}
	created := only(frames, EventRuleCreate)
	if len(created) != 1 {
		t.Fatalf("frames = %+v, want rule:create reply", frames)
	}
	var reply struct {
		Success bool            `json:"success"`
		Data    automation.Rule `json:"data"`
	}
	if err := json.Unmarshal(created[0].Data, &reply); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if !reply.Success || reply.Data.ID == "" {
		t.Fatalf("reply = %+v", reply)
	}
	id := reply.Data.ID

	sendEvent(t, env.srv, c, EventRuleUpdate, map[string]any{
		"ruleId":   id,
		"ruleData": map[string]any{"enabled": false},
	})
	frames = mustDrain(t, c)
	if len(only(frames, automation.EventRuleUpdated)) != 1 {
		t.Errorf("frames = %+v, want rule:updated broadcast", frames)
	}

	sendEvent(t, env.srv, c, EventRuleList, nil)
	list := only(mustDrain(t, c), EventRuleList)
	if len(list) != 1 || dataOf(t, list[0])["count"] != float64(1) {
		t.Errorf("rule:list = %+v, want count 1", list)
	}

	sendEvent(t, env.srv, c, EventRuleDelete, map[string]any{"ruleId": id})
	frames = mustDrain(t, c)
	deleted := only(frames, automation.EventRuleDeleted)
	if len(deleted) != 1 || dataOf(t, deleted[0])["id"] != id {
		t.Errorf("frames = %+v, want rule:deleted with id", frames)
	}

	sendEvent(t, env.srv, c, EventRuleDelete, map[string]any{"ruleId": id})
	replies := only(mustDrain(t, c), EventRuleDelete)
	if len(replies) != 1 || dataOf(t, replies[0])["error"] != "Rule not found" {
		t.Errorf("second delete = %+v, want Rule not found", replies)
	}
}

func TestRuleCreate_Invalid(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventRuleCreate, map[string]any{
		"name":      "Bad",
		"relay_id":  9,
		"rule_type": "sensor",
		"condition": map[string]any{"sensor": "temperature", "operator": ">", "threshold": 30},
		"action":    "turn_on",
	})

	frames := mustDrain(t, c)
	if len(only(frames, automation.EventRuleCreated)) != 0 {
		t.Error("invalid rule must not be broadcast")
	}
	replies := only(frames, EventRuleCreate)
	if len(replies) != 1 || dataOf(t, replies[0])["success"] != false {
		t.Errorf("replies = %+v, want failure", replies)
	}
	if n := countRows(t, env.db, "rules"); n != 0 {
		t.Errorf("rules rows = %d, want 0", n)
	}
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	device := registerDevice(t, env)
	sendEvent(t, env.srv, device, EventSensorData, map[string]any{"temperature": 21.0, "humidity": 55.0})
	mustDrain(t, device)

	c := newFakeClient(env.hub)
	sendEvent(t, env.srv, c, EventRelayStates, nil)
	sendEvent(t, env.srv, c, EventSensorLatest, nil)
	sendEvent(t, env.srv, c, EventSensorHistory, map[string]any{"limit": 10})
	sendEvent(t, env.srv, c, EventLogList, map[string]any{"source": "system"})
	frames := mustDrain(t, c)

	states := only(frames, EventRelayStates)
	if len(states) != 1 || dataOf(t, states[0])["count"] != float64(relay.Count) {
		t.Errorf("relay:states = %+v", states)
	}
	latest := only(frames, EventSensorLatest)
	if len(latest) != 1 {
		t.Fatalf("sensor:latest replies = %d", len(latest))
	}
	reading, _ := dataOf(t, latest[0])["data"].(map[string]any)
	if reading["temperature"] != 21.0 {
		t.Errorf("latest reading = %v", reading)
	}
	history := only(frames, EventSensorHistory)
	if len(history) != 1 || dataOf(t, history[0])["count"] != float64(1) {
		t.Errorf("sensor:history = %+v", history)
	}
	logs := only(frames, EventLogList)
	if len(logs) != 1 || dataOf(t, logs[0])["count"] != float64(relay.Count) {
		t.Errorf("log:list = %+v, want one system entry per seeded relay", logs)
	}
}

func TestRateLimit_RejectsEventOverCeiling(t *testing.T) {
	env := newTestEnv(t, envOptions{guard: &ratelimit.Config{
		MaxEvents: 120,
		Window:    time.Minute,
		Exempt:    append(RateExemptEvents(), EventDeviceRegister),
	}})
	device := registerDevice(t, env)
	mustDrain(t, device)

	for i := 0; i < 121; i++ {
		sendEvent(t, env.srv, device, EventSensorData, map[string]any{"temperature": 20.0 + float64(i)/100})
		if i == 119 {
			if errs := only(mustDrain(t, device), EventError); len(errs) != 0 {
				t.Fatalf("first 120 events rejected: %+v", errs)
			}
		}
	}

	errs := only(mustDrain(t, device), EventError)
	if len(errs) != 1 {
		t.Fatalf("error frames = %d, want 1", len(errs))
	}
	if code := dataOf(t, errs[0])["code"]; code != ratelimit.ErrorCode {
		t.Errorf("code = %v, want %s", code, ratelimit.ErrorCode)
	}
	if n := countRows(t, env.db, "sensor_readings"); n != 120 {
		t.Errorf("sensor_readings rows = %d, want 120", n)
	}

	// Keepalives are never limited.
	sendEvent(t, env.srv, device, EventPing, nil)
	if len(only(mustDrain(t, device), EventPong)) != 1 {
		t.Error("ping should be answered while rate limited")
	}
}

func TestHandleClose_ForgetsRateWindow(t *testing.T) {
	env := newTestEnv(t, envOptions{guard: &ratelimit.Config{MaxEvents: 10, Window: time.Minute}})
	c := newFakeClient(env.hub)

	sendEvent(t, env.srv, c, EventRelayStates, nil)
	if env.srv.guard.Tracked() != 1 {
		t.Fatalf("Tracked() = %d, want 1", env.srv.guard.Tracked())
	}

	env.hub.Unregister(c)
	env.srv.handleClose(c)
	if env.srv.guard.Tracked() != 0 {
		t.Errorf("Tracked() = %d after close, want 0", env.srv.guard.Tracked())
	}
}
