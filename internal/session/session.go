// Package session is the shell-bound side of termbus: one process announcing
// one owner pid and issuing requests that the window hosting that shell
// answers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"termbus/internal/bus"
	"termbus/internal/discovery"
	"termbus/internal/logging"
)

// EnvShellPID names the shell a session belongs to when it is not the
// session's direct parent.
const EnvShellPID = "TERMBUS_SHELL_PID"

// ResolveOwner picks the session identity: explicit when positive, then
// TERMBUS_SHELL_PID, then the parent pid.
func ResolveOwner(explicit int) (int, error) {
	if explicit > 0 {
		return explicit, nil
	}
	if raw := strings.TrimSpace(os.Getenv(EnvShellPID)); raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil || pid <= 0 {
			return 0, fmt.Errorf("%s=%q is not a valid pid", EnvShellPID, raw)
		}
		return pid, nil
	}
	ppid := os.Getppid()
	if ppid <= 1 {
		return 0, fmt.Errorf("no shell pid: parent pid is %d and %s is unset", ppid, EnvShellPID)
	}
	return ppid, nil
}

// Session binds a bus client to one owner pid.
type Session struct {
	client    *bus.Client
	announcer *discovery.Announcer
	owner     int
	logger    *slog.Logger
}

// New wires a session onto client. Call it before Start so the first connect
// announces the session.
func New(client *bus.Client, owner int, logger *slog.Logger) (*Session, error) {
	if client == nil {
		return nil, errors.New("session requires a bus client")
	}
	announcer, err := discovery.NewAnnouncer(client, owner, logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		client:    client,
		announcer: announcer,
		owner:     owner,
		logger:    logging.NewComponentLogger(logger, "session").With(logging.Int(logging.FieldOwner, owner)),
	}, nil
}

// Owner returns the session identity.
func (s *Session) Owner() int {
	return s.owner
}

// Client returns the underlying bus client.
func (s *Session) Client() *bus.Client {
	return s.client
}

// Start begins connecting to the relay.
func (s *Session) Start(ctx context.Context) error {
	return s.client.Start(ctx)
}

// Request asks the window hosting this session's shell.
func (s *Session) Request(ctx context.Context, kind string, payload any, wait bus.Wait) (json.RawMessage, error) {
	return s.RequestTo(ctx, s.owner, kind, payload, wait)
}

// RequestTo asks the window hosting owner's shell.
func (s *Session) RequestTo(ctx context.Context, owner int, kind string, payload any, wait bus.Wait) (json.RawMessage, error) {
	return s.client.Request(ctx, kind, owner, payload, wait)
}

// Send writes a fire-and-forget frame addressed to this session's owner.
func (s *Session) Send(kind string, payload any) error {
	return s.client.Send(kind, s.owner, payload)
}

// Handle registers fn for frames of kind.
func (s *Session) Handle(kind string, fn bus.Handler) {
	s.client.Handle(kind, fn)
}

// Close retracts the session and disconnects.
func (s *Session) Close(ctx context.Context) error {
	if err := s.announcer.Retract(); err != nil {
		s.logger.Debug("retract not sent", logging.Error(err))
	}
	return s.client.Close(ctx)
}
