package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

// RelayApplier appends relay transitions. relay.Service implements it.
type RelayApplier interface {
	Apply(ctx context.Context, change relay.Change) (*relay.State, error)
}

// ReadingIngester runs the sensor ingest path. sensor.Ingester implements it.
type ReadingIngester interface {
	Ingest(ctx context.Context, in sensor.Input) (*sensor.Reading, error)
}

// Transport is the subset of Client the bridge uses.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// relayEcho is the payload of greenhouse/state/relay/{id}.
type relayEcho struct {
	State     *bool      `json:"state"`
	Mode      relay.Mode `json:"mode,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`
	ChangedBy string     `json:"changed_by,omitempty"`
}

// Bridge connects MQTT-speaking devices to the controller.
//
// Relay directives are mirrored to greenhouse/command/relay/{id}. Readings
// from greenhouse/sensor/{device_id} take the same ingest path as readings
// from the real-time channel, and echoes from greenhouse/state/relay/{id}
// are appended as device transitions, which never re-issue a command.
type Bridge struct {
	transport Transport
	relays    RelayApplier
	ingester  ReadingIngester
	qos       byte
	logger    Logger

	mu  sync.RWMutex
	ctx context.Context
}

// NewBridge creates a bridge that can publish immediately. Inbound traffic
// is handled once Start is called.
func NewBridge(t Transport, qos byte, logger Logger) *Bridge {
	return &Bridge{
		transport: t,
		qos:       qos,
		logger:    logger,
		ctx:       context.Background(),
	}
}

// Start subscribes to device readings and relay echoes. Handlers run under ctx.
func (b *Bridge) Start(ctx context.Context, relays RelayApplier, ingester ReadingIngester) error {
	b.mu.Lock()
	b.ctx = ctx
	b.relays = relays
	b.ingester = ingester
	b.mu.Unlock()

	topics := Topics{}
	if err := b.transport.Subscribe(topics.AllSensors(), b.qos, b.handleSensor); err != nil {
		return fmt.Errorf("subscribing to sensor readings: %w", err)
	}
	if err := b.transport.Subscribe(topics.AllRelayStates(), b.qos, b.handleRelayEcho); err != nil {
		return fmt.Errorf("subscribing to relay states: %w", err)
	}
	return nil
}

// PublishRelayCommand mirrors a relay directive. It implements relay.CommandMirror.
func (b *Bridge) PublishRelayCommand(cmd relay.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding relay command: %w", err)
	}
	return b.transport.Publish(Topics{}.RelayCommand(cmd.RelayID), payload, b.qos, false)
}

func (b *Bridge) handlers() (context.Context, RelayApplier, ReadingIngester) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ctx, b.relays, b.ingester
}

func (b *Bridge) handleSensor(topic string, payload []byte) error {
	deviceID, err := ParseSensorTopic(topic)
	if err != nil {
		return err
	}

	var in sensor.Input
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if in.DeviceID == "" {
		in.DeviceID = deviceID
	}

	ctx, _, ingester := b.handlers()
	if _, err := ingester.Ingest(ctx, in); err != nil {
		return fmt.Errorf("ingesting reading from %s: %w", deviceID, err)
	}
	return nil
}

func (b *Bridge) handleRelayEcho(topic string, payload []byte) error {
	relayID, err := ParseRelayTopic(topic)
	if err != nil {
		return err
	}

	var echo relayEcho
	if err := json.Unmarshal(payload, &echo); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if echo.State == nil {
		return fmt.Errorf("%w: state is required", ErrInvalidPayload)
	}

	ctx, relays, _ := b.handlers()
	st, err := relays.Apply(ctx, relay.Change{
		RelayID:   relayID,
		State:     *echo.State,
		Mode:      echo.Mode,
		ChangedBy: echo.ChangedBy,
		DeviceID:  echo.DeviceID,
		Origin:    relay.OriginDevice,
	})
	if err != nil {
		return fmt.Errorf("applying relay echo: %w", err)
	}
	if b.logger != nil {
		b.logger.Info("relay state reported over MQTT", "relay_id", st.RelayID, "state", relay.OnOff(st.State))
	}
	return nil
}
