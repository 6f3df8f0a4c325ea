// Package transport defines the contract between a dual-slot receiver and the
// point-to-point streaming clients it drives, plus the Emitter helper that
// implementations embed to satisfy it.
//
// Notification model
//
//	data           : one unit of payload (a JSON line, a WebSocket message, ...)
//	heartbeat      : liveness signal without payload
//	disconnect     : terminal; nil error means the remote end hung up cleanly
//	responseLength : cumulative characters received on this connection
//
// Implementations
//
//	memstream   : in-memory network, reference implementation and test double
//	httpstream  : newline-delimited JSON over a long-lived HTTP response
//	wsstream    : WebSocket messages
//	redisstream : Redis Streams (XREAD BLOCK)
//	natsstream  : NATS subject subscription
//	filestream  : tail of a JSON-lines file
//
// Every implementation is checked against the shared suite in
// transporttest.
package transport
