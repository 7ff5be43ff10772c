package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

type published struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]MessageHandler
	published []published
	subErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]MessageHandler)}
}

func (f *fakeTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic, payload, qos, retained})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, pattern, topic string, payload string) error {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[pattern]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription for %s", pattern)
	}
	return h(topic, []byte(payload))
}

type fakeRelays struct {
	changes []relay.Change
	err     error
}

func (f *fakeRelays) Apply(_ context.Context, c relay.Change) (*relay.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.changes = append(f.changes, c)
	return &relay.State{RelayID: c.RelayID, State: c.State, Mode: c.Mode, Timestamp: time.Now()}, nil
}

type fakeIngester struct {
	inputs []sensor.Input
	err    error
}

func (f *fakeIngester) Ingest(_ context.Context, in sensor.Input) (*sensor.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sensor.Reading{DeviceID: in.DeviceID}, nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func startBridge(t *testing.T) (*Bridge, *fakeTransport, *fakeRelays, *fakeIngester) {
	t.Helper()
	tr := newFakeTransport()
	relays := &fakeRelays{}
	ing := &fakeIngester{}
	b := NewBridge(tr, 1, nopLogger{})
	if err := b.Start(context.Background(), relays, ing); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return b, tr, relays, ing
}

func TestBridge_StartSubscribes(t *testing.T) {
	_, tr, _, _ := startBridge(t)

	for _, topic := range []string{Topics{}.AllSensors(), Topics{}.AllRelayStates()} {
		if _, ok := tr.handlers[topic]; !ok {
			t.Errorf("missing subscription %s", topic)
		}
	}
}

func TestBridge_StartSubscribeError(t *testing.T) {
	tr := newFakeTransport()
	tr.subErr = ErrNotConnected
	b := NewBridge(tr, 1, nil)

	if err := b.Start(context.Background(), &fakeRelays{}, &fakeIngester{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
}

func TestBridge_PublishRelayCommand(t *testing.T) {
	b, tr, _, _ := startBridge(t)

	cmd := relay.Command{RelayID: 2, State: true, Mode: relay.ModeAuto, ChangedBy: "rule", Timestamp: time.Now().UTC()}
	if err := b.PublishRelayCommand(cmd); err != nil {
		t.Fatalf("PublishRelayCommand() error = %v", err)
	}

	if len(tr.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(tr.published))
	}
	msg := tr.published[0]
	if msg.topic != "greenhouse/command/relay/2" || msg.retained || msg.qos != 1 {
		t.Errorf("published %+v", msg)
	}
	var got relay.Command
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.RelayID != 2 || !got.State || got.Mode != relay.ModeAuto {
		t.Errorf("payload = %+v", got)
	}
}

func TestBridge_SensorReading(t *testing.T) {
	_, tr, _, ing := startBridge(t)

	err := tr.deliver(t, Topics{}.AllSensors(), "greenhouse/sensor/esp32-main",
		`{"temperature":24.5,"humidity":61}`)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(ing.inputs) != 1 {
		t.Fatalf("ingested %d readings, want 1", len(ing.inputs))
	}
	in := ing.inputs[0]
	if in.DeviceID != "esp32-main" {
		t.Errorf("DeviceID = %q, want topic device id", in.DeviceID)
	}
	if in.Temperature == nil || *in.Temperature != 24.5 {
		t.Errorf("Temperature = %v", in.Temperature)
	}
}

func TestBridge_SensorReadingKeepsPayloadDeviceID(t *testing.T) {
	_, tr, _, ing := startBridge(t)

	_ = tr.deliver(t, Topics{}.AllSensors(), "greenhouse/sensor/esp32-main",
		`{"device_id":"probe-2","temperature":20}`)

	if len(ing.inputs) != 1 || ing.inputs[0].DeviceID != "probe-2" {
		t.Errorf("inputs = %+v", ing.inputs)
	}
}

func TestBridge_SensorErrors(t *testing.T) {
	_, tr, _, ing := startBridge(t)

	if err := tr.deliver(t, Topics{}.AllSensors(), "greenhouse/sensor/esp32", `not json`); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("bad json error = %v, want ErrInvalidPayload", err)
	}

	ing.err = sensor.ErrInvalidReading
	if err := tr.deliver(t, Topics{}.AllSensors(), "greenhouse/sensor/esp32", `{"temperature":20}`); !errors.Is(err, sensor.ErrInvalidReading) {
		t.Errorf("ingest error = %v, want wrapped ingest error", err)
	}
}

func TestBridge_RelayEcho(t *testing.T) {
	_, tr, relays, _ := startBridge(t)

	err := tr.deliver(t, Topics{}.AllRelayStates(), "greenhouse/state/relay/3",
		`{"state":true,"mode":"manual","device_id":"esp32-main"}`)
	if err != nil {
		t.Fatalf("handler error = %v", err)
	}

	if len(relays.changes) != 1 {
		t.Fatalf("applied %d changes, want 1", len(relays.changes))
	}
	c := relays.changes[0]
	if c.RelayID != 3 || !c.State || c.Mode != relay.ModeManual || c.DeviceID != "esp32-main" {
		t.Errorf("change = %+v", c)
	}
	if c.Origin != relay.OriginDevice {
		t.Errorf("Origin = %q, want device", c.Origin)
	}
	if len(tr.published) != 0 {
		t.Errorf("echo published %d messages, want none", len(tr.published))
	}
}

func TestBridge_RelayEchoErrors(t *testing.T) {
	_, tr, relays, _ := startBridge(t)
	pattern := Topics{}.AllRelayStates()

	if err := tr.deliver(t, pattern, "greenhouse/state/relay/1", `{"mode":"auto"}`); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing state error = %v, want ErrInvalidPayload", err)
	}
	if err := tr.deliver(t, pattern, "greenhouse/state/relay/abc", `{"state":true}`); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("bad topic error = %v, want ErrInvalidTopic", err)
	}

	relays.err = relay.ErrInvalidRelayID
	if err := tr.deliver(t, pattern, "greenhouse/state/relay/9", `{"state":false}`); !errors.Is(err, relay.ErrInvalidRelayID) {
		t.Errorf("apply error = %v, want ErrInvalidRelayID", err)
	}
}
