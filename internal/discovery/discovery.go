package discovery

import (
	"context"

	"termbus/internal/bus"
)

// Frame kinds used by the discovery protocol.
const (
	KindQuery   = "announce.query"
	KindReply   = "announce.reply"
	KindRetract = "announce.retract"
)

// Transport is the part of bus.Client discovery needs.
type Transport interface {
	Send(kind string, owner int, payload any) error
	Handle(kind string, fn bus.Handler)
	OnConnect(fn func(context.Context))
	OnDisconnect(fn func())
}

var _ Transport = (*bus.Client)(nil)
