package entry

import (
	"errors"
	"sync"
	"time"

	"onionrpc/pkg/proto"
)

var (
	errUnknownRequest  = errors.New("unknown or already resolved request")
	errCircuitMismatch = errors.New("response circuit does not match request circuit")
)

type pendingResult struct {
	resp proto.Response
	err  error
}

type pendingEntry struct {
	ch        chan pendingResult
	circuitID proto.CircuitID
	deadline  time.Time
}

// correlationTable matches asynchronous reverse-path responses back to the
// client request that is blocked waiting for them. LoadAndDelete makes
// resolution exactly-once: a late duplicate or a response racing the
// timeout sweep finds nothing to resolve.
type correlationTable struct {
	pending sync.Map // proto.RequestID -> *pendingEntry
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{}
}

func (t *correlationTable) register(id proto.RequestID, circuitID proto.CircuitID, timeout time.Duration) <-chan pendingResult {
	e := &pendingEntry{
		ch:        make(chan pendingResult, 1),
		circuitID: circuitID,
		deadline:  time.Now().Add(timeout),
	}
	t.pending.Store(id, e)
	return e.ch
}

// resolve delivers a response to the waiter. A response whose circuit does
// not match the one the request was sent on is rejected without consuming
// the waiter, so the legitimate response can still arrive.
func (t *correlationTable) resolve(id proto.RequestID, resp proto.Response) error {
	v, ok := t.pending.Load(id)
	if !ok {
		return errUnknownRequest
	}
	if v.(*pendingEntry).circuitID != resp.CircuitID {
		return errCircuitMismatch
	}
	v, ok = t.pending.LoadAndDelete(id)
	if !ok {
		return errUnknownRequest
	}
	v.(*pendingEntry).ch <- pendingResult{resp: resp}
	return nil
}

func (t *correlationTable) fail(id proto.RequestID, err error) bool {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	e := v.(*pendingEntry)
	e.ch <- pendingResult{err: err}
	return true
}

// drop forgets a request without delivering anything. Used when the caller
// stopped waiting on its own.
func (t *correlationTable) drop(id proto.RequestID) {
	t.pending.LoadAndDelete(id)
}

// sweep fails every pending request whose deadline has passed. Run drives
// it on a short interval so abandoned requests never leak entries.
func (t *correlationTable) sweep(now time.Time) int {
	expired := 0
	t.pending.Range(func(k, v any) bool {
		e := v.(*pendingEntry)
		if now.After(e.deadline) {
			if t.fail(k.(proto.RequestID), proto.ErrRequestTimeout) {
				expired++
			}
		}
		return true
	})
	return expired
}
