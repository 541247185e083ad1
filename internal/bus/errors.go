package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports a request whose wait class timed out.
	ErrTimeout = errors.New("request timed out")
	// ErrDisconnected reports a request failed by connection loss.
	ErrDisconnected = errors.New("relay connection lost")
	// ErrClosed reports use of a closed client.
	ErrClosed = errors.New("bus client closed")
	// ErrDuplicateID reports a request id already pending in this process.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrOutboxOverflow reports a request dropped from a full outbox before
	// it was ever sent.
	ErrOutboxOverflow = errors.New("outbox overflow")
	// ErrAbandoned reports a request the caller stopped waiting for.
	ErrAbandoned = errors.New("request abandoned")
)

// RemoteError is an application-level failure reported by the responder.
type RemoteError struct {
	ID      string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s request %s failed: %s", e.Kind, e.ID, e.Message)
}
