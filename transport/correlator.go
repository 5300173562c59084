package transport

import (
	"encoding/json"
	"sync"

	"duplex-rpc/message"
)

// PendingCall is the bookkeeping for one outstanding request. It is completed
// exactly once: by the matching reply, by cancellation, or by shutdown.
type PendingCall struct {
	ID     message.ID
	Method string

	done   chan struct{}
	result json.RawMessage
	err    error
}

// Done is closed when the call completes.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Result returns the raw result or the failure. It is only meaningful after
// Done is closed. A remote error reply is returned as *message.Error.
func (p *PendingCall) Result() (json.RawMessage, error) {
	return p.result, p.err
}

func (p *PendingCall) finish(result json.RawMessage, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// Correlator tracks the calls this side issued and routes replies to them.
//
// Register and the three completion paths (Resolve, Cancel, CloseAll) all go
// through one mutex. A call is completed only by whoever removed it from the
// table, which is what makes completion happen exactly once.
type Correlator struct {
	mu      sync.Mutex
	ids     IDGenerator
	pending map[string]*PendingCall
	closed  error
}

// NewCorrelator creates a Correlator allocating ids from ids. A nil generator
// selects the decrementing counter.
func NewCorrelator(ids IDGenerator) *Correlator {
	if ids == nil {
		ids = NewCounterIDs()
	}
	return &Correlator{
		ids:     ids,
		pending: make(map[string]*PendingCall),
	}
}

// Register allocates an id that is not currently pending and records a call
// under it. Register it BEFORE sending the request, or the reply can race past
// the registration.
func (c *Correlator) Register(method string) (*PendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return nil, c.closed
	}

	key := c.ids.Next(func(k string) bool {
		_, ok := c.pending[k]
		return ok
	})
	call := &PendingCall{
		ID:     message.StringID(key),
		Method: method,
		done:   make(chan struct{}),
	}
	c.pending[key] = call
	return call, nil
}

// Resolve completes the call matching reply's id. It returns false when no
// call is pending under that id (a late or unknown reply).
func (c *Correlator) Resolve(reply *message.Message) bool {
	key := reply.ID.Key()

	c.mu.Lock()
	call, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if !ok {
		return false
	}
	if reply.Error != nil {
		call.finish(nil, reply.Error)
	} else {
		call.finish(reply.Result, nil)
	}
	return true
}

// Cancel completes call with err if it is still pending. It is used when the
// caller gives up or the request could not be written.
func (c *Correlator) Cancel(call *PendingCall, err error) bool {
	key := call.ID.Key()

	c.mu.Lock()
	current, ok := c.pending[key]
	if ok && current == call {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok || current != call {
		return false
	}
	call.finish(nil, err)
	return true
}

// CloseAll fails every pending call with err and refuses new registrations.
// Only the first call has an effect; it returns how many calls it failed.
func (c *Correlator) CloseAll(err error) int {
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return 0
	}
	c.closed = err
	calls := c.pending
	c.pending = make(map[string]*PendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.finish(nil, err)
	}
	return len(calls)
}

// Len returns the number of pending calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
