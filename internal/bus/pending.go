package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"termbus/internal/frame"
)

// pendingTable maps outstanding request ids to their calls.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*Call
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*Call)}
}

func (p *pendingTable) register(call *Call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[call.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, call.ID)
	}
	p.entries[call.ID] = call
	return nil
}

func (p *pendingTable) take(id string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(p.entries, id)
	return call
}

func (p *pendingTable) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// resolve completes the call whose id matches env and reports whether one
// did. Replies are matched by id alone; their owner is never consulted.
func (p *pendingTable) resolve(env frame.Envelope) bool {
	call := p.take(env.ID)
	if call == nil {
		return false
	}
	resp, err := frame.DecodeResponse(env)
	switch {
	case err != nil:
		call.complete(nil, err)
	case resp.Error != "":
		call.complete(nil, &RemoteError{ID: call.ID, Kind: call.Kind, Message: resp.Error})
	default:
		result := resp.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		call.complete(result, nil)
	}
	return true
}

func (p *pendingTable) fail(id string, err error) bool {
	call := p.take(id)
	if call == nil {
		return false
	}
	call.complete(nil, err)
	return true
}

func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	calls := make([]*Call, 0, len(p.entries))
	for id, call := range p.entries {
		calls = append(calls, call)
		delete(p.entries, id)
	}
	p.mu.Unlock()
	for _, call := range calls {
		call.complete(nil, err)
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
