/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package reqreply implements the shared-inbox request/reply correlation
// runtime described in spec.md section 4.5: a bounded Nonce -> Frame
// dispatcher with deterministic drop-oldest overflow, plus retry helpers
// built over a single shared reply endpoint.
package reqreply

import (
	"context"
	"sync"
	"time"

	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/wire"
)

// Nonce identifies one outstanding request. Nonces are not secrets and
// carry no authorization weight; they are a correlation tag only.
type Nonce uint64

// DefaultNPending is a reasonable N_PENDING within spec.md's 16-64 range.
const DefaultNPending = 32

// Dispatcher is a bounded map of Nonce -> Frame fed by a single reader
// goroutine draining the shared reply endpoint. It is not itself
// goroutine-running: callers drive it via Deliver from their own recv
// loop and consume via Await.
type Dispatcher struct {
	mu       sync.Mutex
	cap      int
	pending  map[Nonce]wire.Frame
	order    []Nonce // FIFO of nonces currently buffered, oldest first
	waiters  map[Nonce]chan wire.Frame
	dropped  uint64
}

// NewDispatcher constructs a Dispatcher with the given N_PENDING bound.
// A non-positive capacity falls back to DefaultNPending.
func NewDispatcher(capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultNPending
	}
	return &Dispatcher{
		cap:     capacity,
		pending: make(map[Nonce]wire.Frame),
		waiters: make(map[Nonce]chan wire.Frame),
	}
}

// Deliver hands a received frame carrying nonce to the dispatcher. If a
// waiter is currently awaiting exactly this nonce, it is woken directly.
// Otherwise the frame is buffered; on overflow the oldest buffered entry
// is dropped and the drop counter incremented (spec.md section 4.5).
func (d *Dispatcher) Deliver(nonce Nonce, frame wire.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.waiters[nonce]; ok {
		delete(d.waiters, nonce)
		ch <- frame
		return
	}
	if _, exists := d.pending[nonce]; !exists {
		d.order = append(d.order, nonce)
	}
	d.pending[nonce] = frame
	for len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		if oldest != nonce {
			delete(d.pending, oldest)
			d.dropped++
		}
	}
}

// Dropped reports the number of buffered entries lost to overflow.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Await blocks until a frame for nonce is buffered or delivered directly,
// ctx is canceled, or deadline (absolute, UnixNano; 0 = none) elapses.
// Awaiters consume matching buffered entries first, matching spec.md's
// "consume matching entries first, then poll the inbox" contract.
func (d *Dispatcher) Await(ctx context.Context, nonce Nonce, deadlineNs int64) (wire.Frame, error) {
	d.mu.Lock()
	if f, ok := d.pending[nonce]; ok {
		delete(d.pending, nonce)
		for i, n := range d.order {
			if n == nonce {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
		d.mu.Unlock()
		return f, nil
	}
	ch := make(chan wire.Frame, 1)
	d.waiters[nonce] = ch
	d.mu.Unlock()

	var timeoutCh <-chan time.Time
	if deadlineNs != 0 {
		remaining := time.Duration(deadlineNs-time.Now().UnixNano()) * time.Nanosecond
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case f := <-ch:
		return f, nil
	case <-timeoutCh:
		d.cancelWaiter(nonce)
		select {
		case f := <-ch:
			return f, nil
		default:
		}
		return wire.Frame{}, errno.ErrTimedOut
	case <-ctx.Done():
		d.cancelWaiter(nonce)
		select {
		case f := <-ch:
			return f, nil
		default:
		}
		return wire.Frame{}, errno.ErrTimedOut
	}
}

func (d *Dispatcher) cancelWaiter(nonce Nonce) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, nonce)
}
