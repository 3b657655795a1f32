package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// callResult carries the outcome of one request to its waiting caller.
type callResult struct {
	result json.RawMessage
	err    error
}

// callTable matches outgoing requests to incoming responses by correlation
// id. Ids are never reused while their entry is outstanding: they come from
// a monotonically increasing counter.
//
// Thread Safety: all methods are safe for concurrent use.
type callTable struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callResult
}

func newCallTable() *callTable {
	return &callTable{
		pending: make(map[int64]chan callResult),
	}
}

// register allocates a fresh correlation id and its result channel.
// The channel is buffered so resolve never blocks on a slow caller.
func (t *callTable) register() (int64, chan callResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	ch := make(chan callResult, 1)
	t.pending[id] = ch
	return id, ch
}

// forget removes a pending entry, typically after a timeout or send failure.
// It returns false if the entry was already consumed, in which case the
// result is sitting in the channel and the caller should drain it.
func (t *callTable) forget(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// resolve delivers a response to the pending entry with the given id and
// removes it. Unknown ids are reported as false and otherwise ignored: they
// are late responses whose request already timed out, or spurious frames.
func (t *callTable) resolve(id int64, res callResult) bool {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// receive routes a response frame to its pending entry. A device-supplied
// error object rejects the call; otherwise the result payload resolves it.
func (t *callTable) receive(f *Frame) bool {
	if f.ID == nil {
		return false
	}
	res := callResult{result: f.Result}
	if f.Error != nil {
		res.err = f.Error
	}
	return t.resolve(*f.ID, res)
}

// failAll rejects every outstanding request with reason and empties the
// table. Used on handler teardown.
func (t *callTable) failAll(reason error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]chan callResult)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: reason}
	}
}

// count returns the number of outstanding requests.
func (t *callTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// send assigns a correlation id to the frame, transmits it, and waits for
// the matching response.
//
// The wait ends on the first of: a matching response (or device error), the
// request timeout, the caller's context, or failAll. If transmit fails the
// pending entry is removed and the call rejects immediately.
func (t *callTable) send(ctx context.Context, transmit func([]byte) error, frame Frame, timeout time.Duration) (json.RawMessage, error) {
	id, ch := t.register()
	frame.ID = &id

	payload, err := json.Marshal(frame)
	if err != nil {
		t.forget(id)
		return nil, fmt.Errorf("rpc: encoding request: %w", err)
	}

	if err := transmit(payload); err != nil {
		t.forget(id)
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		if !t.forget(id) {
			// The response won the race; take it.
			res := <-ch
			return res.result, res.err
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		if !t.forget(id) {
			res := <-ch
			return res.result, res.err
		}
		return nil, fmt.Errorf("rpc: request cancelled: %w", ctx.Err())
	}
}
