// Package mqtt provides the MQTT device bridge of the greenhouse controller.
//
// It manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//
// The bridge is a second transport next to the real-time WebSocket channel.
// Devices that prefer MQTT receive relay directives and publish readings and
// relay echoes over the topics built by Topics:
//
//	controller  -> greenhouse/command/relay/{id}  -> devices
//	devices     -> greenhouse/sensor/{device_id}  -> controller
//	devices     -> greenhouse/state/relay/{id}    -> controller
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	bridge := mqtt.NewBridge(client, byte(cfg.MQTT.QoS), logger)
//	relays := relay.NewService(register, recorder, hub, relay.WithCommandMirror(bridge))
//	...
//	if err := bridge.Start(ctx, relays, ingester); err != nil {
//	    return err
//	}
//
// TLS should be enabled whenever the broker is reachable beyond the local
// network. Payloads are not encrypted beyond the transport.
package mqtt
