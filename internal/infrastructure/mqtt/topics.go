package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic prefixes of the greenhouse device bridge.
//
// Devices and the controller share a flat scheme:
//
//	greenhouse/command/relay/{relay_id}   controller -> devices
//	greenhouse/state/relay/{relay_id}     devices -> controller (echo)
//	greenhouse/sensor/{device_id}         devices -> controller
//	greenhouse/system/status              controller online/offline (retained)
const (
	// TopicPrefix is the base for all greenhouse topics.
	TopicPrefix = "greenhouse"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "greenhouse/system"
)

// Topics provides builders for greenhouse MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.RelayCommand(2) // "greenhouse/command/relay/2"
type Topics struct{}

// RelayCommand returns the topic a relay directive is published on.
func (Topics) RelayCommand(relayID int) string {
	return fmt.Sprintf("%s/command/relay/%d", TopicPrefix, relayID)
}

// RelayState returns the topic a device echoes a relay's applied state on.
func (Topics) RelayState(relayID int) string {
	return fmt.Sprintf("%s/state/relay/%d", TopicPrefix, relayID)
}

// Sensor returns the topic a device publishes its readings on.
func (Topics) Sensor(deviceID string) string {
	return fmt.Sprintf("%s/sensor/%s", TopicPrefix, deviceID)
}

// SystemStatus returns the topic for controller online/offline status.
// Published retained with LWT for crash detection.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllRelayStates subscribes to relay echoes from every device.
func (Topics) AllRelayStates() string {
	return TopicPrefix + "/state/relay/+"
}

// AllRelayCommands subscribes to every relay directive.
func (Topics) AllRelayCommands() string {
	return TopicPrefix + "/command/relay/+"
}

// AllSensors subscribes to readings from every device.
func (Topics) AllSensors() string {
	return TopicPrefix + "/sensor/+"
}

// AllTopics returns a wildcard for every greenhouse topic.
// Use with caution, intended for debugging.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// lastSegment returns the final level of a topic, checking the levels before it.
func lastSegment(topic string, prefix ...string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != len(prefix)+1 {
		return "", false
	}
	for i, p := range prefix {
		if parts[i] != p {
			return "", false
		}
	}
	last := parts[len(parts)-1]
	return last, last != ""
}

// ParseRelayTopic extracts the relay id from a relay command or state topic.
func ParseRelayTopic(topic string) (int, error) {
	for _, kind := range []string{"command", "state"} {
		raw, ok := lastSegment(topic, TopicPrefix, kind, "relay")
		if !ok {
			continue
		}
		id, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: relay id %q in %s", ErrInvalidTopic, raw, topic)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: %s is not a relay topic", ErrInvalidTopic, topic)
}

// ParseSensorTopic extracts the device id from a sensor topic.
func ParseSensorTopic(topic string) (string, error) {
	id, ok := lastSegment(topic, TopicPrefix, "sensor")
	if !ok {
		return "", fmt.Errorf("%w: %s is not a sensor topic", ErrInvalidTopic, topic)
	}
	return id, nil
}
