// Package bus is the client side of the relay: it keeps a connection alive,
// buffers frames while disconnected, dispatches inbound frames to handlers
// and correlates replies with outstanding requests.
//
// Correlation is purely by frame id. Every pending request fails with
// ErrDisconnected the moment the connection drops; callers decide whether to
// retry.
package bus
