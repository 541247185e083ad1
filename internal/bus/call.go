package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"termbus/internal/logging"
)

// Call is one outstanding request. It completes exactly once: with the
// reply, a timeout, connection loss, or abandonment.
type Call struct {
	ID      string
	Kind    string
	Owner   int
	Created time.Time

	wait   Wait
	table  *pendingTable
	logger *slog.Logger

	timerMu sync.Mutex
	timer   *time.Timer

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id, kind string, owner int, wait Wait, table *pendingTable, logger *slog.Logger) *Call {
	return &Call{
		ID:      id,
		Kind:    kind,
		Owner:   owner,
		Created: time.Now(),
		wait:    wait,
		table:   table,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// armTimeout starts the timeout unless the call already completed.
func (c *Call) armTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.timer = time.AfterFunc(d, func() {
		c.table.fail(c.ID, fmt.Errorf("%w: %s %s after %s", ErrTimeout, c.Kind, c.ID, d))
	})
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

// Wait blocks until the call completes or ctx ends. A canceled ctx abandons
// the call: its entry is removed and a late reply is dropped.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
	}
	if !c.table.fail(c.ID, fmt.Errorf("%w: %v", ErrAbandoned, ctx.Err())) {
		// Completed concurrently; the real outcome wins.
		<-c.done
		return c.result, c.err
	}
	return nil, ctx.Err()
}

// Cancel abandons the call locally. Nothing is sent to the responder.
func (c *Call) Cancel() {
	c.table.fail(c.ID, ErrAbandoned)
}

func (c *Call) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.timerMu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result = result
		c.err = err
		close(c.done)
		c.timerMu.Unlock()
		c.logOutcome()
	})
}

func (c *Call) logOutcome() {
	if c.err == nil || c.logger == nil {
		return
	}
	attrs := append(logging.FrameAttrs(c.ID, c.Kind, c.Owner),
		logging.Error(c.err),
		logging.String("wait", c.wait.String()),
		logging.Duration("elapsed", time.Since(c.Created)),
	)
	if errors.Is(c.err, ErrAbandoned) {
		c.logger.Debug("request abandoned", logging.Args(attrs...)...)
		return
	}
	if c.wait.IsInteractive() {
		logging.WarnWithContext(c.logger, "interactive request failed", "request_failed",
			append(attrs,
				logging.String(logging.FieldImpact, "the user-initiated action did not complete"),
				logging.String(logging.FieldErrorHint, "check that the target window is open and connected"),
			)...,
		)
		return
	}
	c.logger.Debug("background request failed", logging.Args(attrs...)...)
}
