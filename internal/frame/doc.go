// Package frame defines the newline-delimited JSON envelope exchanged over
// the relay connection and the helpers that read and write it.
//
// Every frame is one JSON object on one line carrying an id, an open kind tag,
// an owner (the shell pid a payload is addressed to, or 0 for unaddressed
// frames) and an opaque payload. The package never interprets payloads. The
// relay only needs CheckSyntax and Reader; clients use Decode and Encode.
//
// Replies to requests share the request id and use the Response payload shape
// so callers can distinguish results from application-level failures.
package frame
