package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"termbus/internal/frame"
	"termbus/internal/logging"
)

// Announcer makes one session visible to every window on the relay.
type Announcer struct {
	transport Transport
	owner     int
	logger    *slog.Logger
}

// NewAnnouncer wires an announcer for owner into transport. Register it
// before the client starts so the first connect announces.
func NewAnnouncer(transport Transport, owner int, logger *slog.Logger) (*Announcer, error) {
	if owner <= frame.NoOwner {
		return nil, fmt.Errorf("announcer owner must be positive, got %d", owner)
	}
	a := &Announcer{
		transport: transport,
		owner:     owner,
		logger:    logging.NewComponentLogger(logger, "discovery").With(logging.Int(logging.FieldOwner, owner)),
	}
	transport.Handle(KindQuery, a.handleQuery)
	transport.OnConnect(a.onConnect)
	return a, nil
}

// Owner returns the announced identity.
func (a *Announcer) Owner() int {
	return a.owner
}

// Announce sends an announce-reply for this session.
func (a *Announcer) Announce() error {
	return a.transport.Send(KindReply, a.owner, nil)
}

// Retract tells windows this session is going away. Delivery is best effort;
// crashed sessions are never retracted.
func (a *Announcer) Retract() error {
	return a.transport.Send(KindRetract, a.owner, nil)
}

func (a *Announcer) onConnect(context.Context) {
	if err := a.Announce(); err != nil {
		a.logger.Debug("self announce not sent", logging.Error(err))
	}
}

func (a *Announcer) handleQuery(context.Context, frame.Envelope) {
	if err := a.Announce(); err != nil {
		a.logger.Debug("announce reply not sent", logging.Error(err))
	}
}
