// Package api provides the HTTP server and the real-time WebSocket channel
// of the greenhouse controller.
//
// The server follows the same lifecycle pattern as the infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// # Real-time channel
//
// Clients connect to the WebSocket path and exchange JSON text frames of the
// form {"event": "...", "data": ...} in both directions. Every connection
// starts as an observer. A physical controller sends device:register with
// its token and, once admitted, joins the device subgroup: the only audience
// of relay:command directives.
//
// Inbound frames pass through the connection rate guard before routing.
// Rejected frames get an error event with code RATE_LIMIT_EXCEEDED and are
// not processed. Request/response events (relay:states, rule:list, ...) are
// answered to the sender only, with a {success, data, count, timestamp}
// envelope.
//
// # HTTP surface
//
// /health, the Prometheus exposition, /api/v1/status and read-only mirrors
// of the real-time queries under /api/v1. All writes go through the
// real-time channel.
//
// # Delivery
//
// Broadcasts are best-effort. A slow client whose send buffer is full misses
// events; nothing is queued for disconnected clients, which re-fetch state
// when they reconnect.
package api
