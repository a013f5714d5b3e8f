// Package gateway runs the relay's HTTP surface.
//
// # Overview
//
// The Gateway owns every long-lived component: the transaction store, the
// agent catalog, the channel broadcaster, the callback dedupe cache and the
// relay service. New wires them from configuration; Run listens and serves
// until its context ends.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store reachability plus agent count
//   - GET /agents - Agent catalog grouped by stage
//   - POST /chat/start - Start a conversation with one agent
//   - POST /chat/send - Relay a chat line or run a start/recall command
//   - POST /webhooks/n8n/callback?convo=&secret= - Workflow engine results
//   - GET /transactions, GET /transactions/{id} - Read-only transaction views
//
// Errors are JSON objects of the form {"ok":false,"error":"..."}.
//
// # Streaming
//
// Clients subscribe to a conversation over either transport:
//
//	GET /ws/{convo}      WebSocket, one JSON text frame per message
//	GET /stream/{convo}  Server-Sent Events, event name = message type
//
// Both send {"type":"status","message":"connected"} first and then
// every message published to the conversation, in publish order. SSE streams
// get a ": heartbeat" comment while idle.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after graceful shutdown
//
// Shutdown closes the broadcaster first so open streams end, then drains the
// HTTP server and closes the store.
package gateway
