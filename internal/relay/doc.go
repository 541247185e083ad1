// Package relay implements the broadcast relay that windows and sessions
// share.
//
// A relay owns one unix socket. Every syntactically valid line a client
// writes is copied verbatim to every other connected client; the relay never
// inspects kinds, owners or payloads and keeps no history. Exclusive
// ownership of the address is enforced with a file lock next to the socket,
// so two processes racing to start a relay converge on one. When the last
// client has been gone for the idle grace period the relay exits.
package relay
