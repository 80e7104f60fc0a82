/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package router implements the endpoint router: the kernel-internal,
// process-wide table of every endpoint in the system. It owns bounded
// FIFO message queues, FIFO send/recv wait queues, and the layered
// byte/endpoint-count budgets from spec.md section 3. Router state is
// mutated only through its own admission-controlled entry points — the
// single access point spec.md section 9 calls for — and is never
// exported; callers see only EndpointID values and *Router handles.
//
// Router state is explicitly non-shareable outside the mutex that guards
// it: every field mutation happens with mtx held, matching the "single
// coordinating core" model of spec.md section 5, so that a future
// per-core redesign only has to replace the lock, not untangle implicit
// sharing.
package router

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/wire"
)

// EndpointID is the router-scoped identity of an endpoint. It is not
// authority: holding the id without a capability grants nothing.
type EndpointID uint32

// Config is the single configuration record named in spec.md section 9.
type Config struct {
	PerEndpointBytes  int
	PerOwnerBytes     int
	GlobalBytes       int
	PerOwnerEndpoints int
	GlobalEndpoints   int
	MaxFrameBytes     int
	DepthMax          int // upper bound on a single endpoint's queue depth (1..=256)
}

// DefaultConfig mirrors reasonable defaults for the bounds spec.md leaves
// to the implementation.
func DefaultConfig() Config {
	return Config{
		PerEndpointBytes:  4 << 20,
		PerOwnerBytes:     16 << 20,
		GlobalBytes:       128 << 20,
		PerOwnerEndpoints: 64,
		GlobalEndpoints:   4096,
		MaxFrameBytes:     wire.MinMaxFrameBytes * 2,
		DepthMax:          256,
	}
}

// ServiceResolver gives the router the authoritative service_id for a pid
// so dequeue can stamp it (spec.md P6). Router never trusts payload data
// for identity.
type ServiceResolver interface {
	ServiceID(pid uint32) uint64
}

type sendWaiter struct {
	pid      uint32
	frame    wire.Frame
	done     chan error
	canceled bool
}

type recvWaiter struct {
	pid      uint32
	bufMax   int
	truncate bool
	done     chan recvResult
	canceled bool
}

// recvResult is what a successful (or failed) dequeue/delivery yields.
type recvResult = recvResultT

type recvResultT struct {
	Frame         wire.Frame
	SenderService uint64
	Err           error
}

type endpoint struct {
	id       EndpointID
	owner    uint32
	depthMax int
	queue    []wire.Frame
	bytes    int

	recvWaiters []*recvWaiter
	sendWaiters []*sendWaiter

	closed bool
}

// Router is the process-wide endpoint table.
type Router struct {
	mtx sync.Mutex

	cfg Config
	res ServiceResolver

	nextID    uint32
	endpoints map[EndpointID]*endpoint

	globalBytes int
	ownerBytes  map[uint32]int

	// Endpoint-count quotas are TryAcquire failures against a pair of
	// semaphores, never hand-rolled counter arithmetic: one global
	// semaphore sized to cfg.GlobalEndpoints, plus one lazily created
	// per-owner semaphore sized to cfg.PerOwnerEndpoints. Both are held
	// under mtx, so TryAcquire never actually blocks — it is used purely
	// for its atomic bounded-counter semantics, not for concurrency
	// coordination.
	globalEndpointSem *semaphore.Weighted
	ownerEndpointSem  map[uint32]*semaphore.Weighted
}

// New constructs a router with the given bounds and service-identity
// resolver.
func New(cfg Config, res ServiceResolver) *Router {
	return &Router{
		cfg:               cfg,
		res:               res,
		nextID:            1,
		endpoints:         make(map[EndpointID]*endpoint),
		ownerBytes:        make(map[uint32]int),
		globalEndpointSem: semaphore.NewWeighted(int64(cfg.GlobalEndpoints)),
		ownerEndpointSem:  make(map[uint32]*semaphore.Weighted),
	}
}

// ownerSemLocked returns owner's endpoint-count semaphore, creating it
// (sized to the per-owner quota) on first use. Callers must hold r.mtx.
func (r *Router) ownerSemLocked(owner uint32) *semaphore.Weighted {
	sem, ok := r.ownerEndpointSem[owner]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.cfg.PerOwnerEndpoints))
		r.ownerEndpointSem[owner] = sem
	}
	return sem
}

// EndpointCreate mints a new endpoint owned by owner, subject to the
// global and per-owner endpoint-count quotas.
func (r *Router) EndpointCreate(owner uint32, depth int) (EndpointID, error) {
	if depth < 1 || depth > 256 || (r.cfg.DepthMax > 0 && depth > r.cfg.DepthMax) {
		return 0, errno.ErrInvalidInput
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if !r.globalEndpointSem.TryAcquire(1) {
		return 0, errno.ErrNoSpace
	}
	ownerSem := r.ownerSemLocked(owner)
	if !ownerSem.TryAcquire(1) {
		r.globalEndpointSem.Release(1)
		return 0, errno.ErrNoSpace
	}
	id := EndpointID(r.nextID)
	r.nextID++
	r.endpoints[id] = &endpoint{id: id, owner: owner, depthMax: depth}
	return id, nil
}

// EndpointCreateFor creates an endpoint owned by ownerPID, so close-on-exit
// follows ownerPID rather than the factory holder. It is the same operation
// as EndpointCreate(ownerPID, depth): it takes no caller pid and does not
// check that the caller is ownerPID or ownerPID's direct parent.
func (r *Router) EndpointCreateFor(ownerPID uint32, depth int) (EndpointID, error) {
	return r.EndpointCreate(ownerPID, depth)
}

// Close performs a global close: the endpoint is removed from the router
// and every waiter (send and recv) is woken with NoSuchEndpoint (spec.md
// P3). Any moved capability attached to a queued or in-flight send is
// returned to the caller via the returned slice so the caller (lifecycle)
// can restore it to the sender's table if the sender is still alive.
func (r *Router) Close(id EndpointID) ([]PendingCapReturn, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.closeLocked(id)
}

// PendingCapReturn describes a capability that must be restored to a
// sender's table because the endpoint it was destined for closed out
// from under it.
type PendingCapReturn struct {
	SenderPID uint32
	Cap       wire.CapMove
}

func (r *Router) closeLocked(id EndpointID) ([]PendingCapReturn, error) {
	ep, ok := r.endpoints[id]
	if !ok {
		return nil, errno.ErrNoSuchEndpoint
	}
	ep.closed = true
	delete(r.endpoints, id)
	r.globalEndpointSem.Release(1)
	if sem, ok := r.ownerEndpointSem[ep.owner]; ok {
		sem.Release(1)
	}
	r.globalBytes -= ep.bytes
	r.ownerBytes[ep.owner] -= ep.bytes

	var returns []PendingCapReturn
	for _, f := range ep.queue {
		if f.Cap != nil {
			returns = append(returns, PendingCapReturn{SenderPID: f.Header.Src, Cap: *f.Cap})
		}
	}
	for _, w := range ep.recvWaiters {
		if !w.canceled {
			w.canceled = true
			w.done <- recvResult{Err: errno.ErrNoSuchEndpoint}
		}
	}
	for _, w := range ep.sendWaiters {
		if !w.canceled {
			w.canceled = true
			if w.frame.Cap != nil {
				returns = append(returns, PendingCapReturn{SenderPID: w.pid, Cap: *w.frame.Cap})
			}
			w.done <- errno.ErrNoSuchEndpoint
		}
	}
	return returns, nil
}

func (r *Router) get(id EndpointID) (*endpoint, error) {
	ep, ok := r.endpoints[id]
	if !ok || ep.closed {
		return nil, errno.ErrNoSuchEndpoint
	}
	return ep, nil
}

// admit reports whether a message of the given length may be admitted to
// ep under the layered byte budgets and depth bound. Caller holds mtx.
func (r *Router) admit(ep *endpoint, length int) error {
	if len(ep.queue) >= ep.depthMax {
		return errno.ErrQueueFull
	}
	if ep.bytes+length > r.cfg.PerEndpointBytes {
		return errno.ErrNoSpace
	}
	if r.ownerBytes[ep.owner]+length > r.cfg.PerOwnerBytes {
		return errno.ErrNoSpace
	}
	if r.globalBytes+length > r.cfg.GlobalBytes {
		return errno.ErrNoSpace
	}
	return nil
}

// TryEnqueue attempts a non-blocking admission of frame onto id, sent by
// senderPID. On admission it stamps authoritative src/dst and, if a recv
// waiter is queued, delivers directly rather than storing. Direct delivery
// must pass the same byte-budget admission check, but is not added to the
// queued-byte counters since the frame is never stored.
func (r *Router) TryEnqueue(id EndpointID, frame wire.Frame, senderPID uint32) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.tryEnqueueLocked(id, frame, senderPID)
}

func (r *Router) tryEnqueueLocked(id EndpointID, frame wire.Frame, senderPID uint32) error {
	ep, err := r.get(id)
	if err != nil {
		return err
	}
	length := len(frame.Payload)
	if err := r.admit(ep, length); err != nil {
		return err
	}
	frame.Header.Src = senderPID
	frame.Header.Dst = uint32(id)

	// FIFO-oldest recv waiter gets direct delivery, bypassing queue storage.
	for len(ep.recvWaiters) > 0 {
		w := ep.recvWaiters[0]
		ep.recvWaiters = ep.recvWaiters[1:]
		if w.canceled {
			continue
		}
		w.canceled = true
		svc := uint64(0)
		if r.res != nil {
			svc = r.res.ServiceID(senderPID)
		}
		w.done <- recvResult{Frame: frame.Clone(), SenderService: svc}
		return nil
	}

	ep.queue = append(ep.queue, frame.Clone())
	ep.bytes += length
	r.ownerBytes[ep.owner] += length
	r.globalBytes += length
	return nil
}

// RegisterSendWaiter enqueues this task on id's send_waiters FIFO. The
// returned channel fires exactly once, with nil on successful admission
// or an *errno.Error on cancellation/close. Cancel must be called if the
// caller gives up waiting (deadline reached) to guarantee P3/P4: the task
// is never left on the waiter queue past its own timeout.
func (r *Router) RegisterSendWaiter(id EndpointID, frame wire.Frame, pid uint32) (*sendWaiter, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return nil, err
	}
	w := &sendWaiter{pid: pid, frame: frame, done: make(chan error, 1)}
	ep.sendWaiters = append(ep.sendWaiters, w)
	return w, nil
}

// CancelSendWaiter removes w from its endpoint's waiter queue if it has
// not already fired. Safe to call even if w already fired (no-op).
func (r *Router) CancelSendWaiter(id EndpointID, w *sendWaiter) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if w.canceled {
		return
	}
	ep, ok := r.endpoints[id]
	if !ok {
		return
	}
	for i, sw := range ep.sendWaiters {
		if sw == w {
			ep.sendWaiters = append(ep.sendWaiters[:i], ep.sendWaiters[i+1:]...)
			break
		}
	}
	w.canceled = true
}

// SendWaiterDone exposes the waiter's notification channel.
func (w *sendWaiter) Done() <-chan error { return w.done }

// RegisterRecvWaiter enqueues this task on id's recv_waiters FIFO.
func (r *Router) RegisterRecvWaiter(id EndpointID, pid uint32, bufMax int, truncate bool) (*recvWaiter, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return nil, err
	}
	w := &recvWaiter{pid: pid, bufMax: bufMax, truncate: truncate, done: make(chan recvResult, 1)}
	ep.recvWaiters = append(ep.recvWaiters, w)
	return w, nil
}

// CancelRecvWaiter removes w if it has not already fired.
func (r *Router) CancelRecvWaiter(id EndpointID, w *recvWaiter) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if w.canceled {
		return
	}
	ep, ok := r.endpoints[id]
	if !ok {
		return
	}
	for i, rw := range ep.recvWaiters {
		if rw == w {
			ep.recvWaiters = append(ep.recvWaiters[:i], ep.recvWaiters[i+1:]...)
			break
		}
	}
	w.canceled = true
}

// RecvWaiterDone exposes the waiter's notification channel.
func (w *recvWaiter) Done() <-chan recvResult { return w.done }

// TryDequeue attempts a non-blocking removal of the head message from id.
// If bufMax is non-zero and the head payload exceeds it, truncate controls
// whether the payload is truncated (original Len is preserved in the
// returned header) or InvalidInput is returned instead.
func (r *Router) TryDequeue(id EndpointID, bufMax int, truncate bool) (wire.Frame, uint64, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return wire.Frame{}, 0, err
	}
	if len(ep.queue) == 0 {
		return wire.Frame{}, 0, errno.ErrQueueEmpty
	}
	head := ep.queue[0]
	chargedLen := len(head.Payload)
	if bufMax > 0 && len(head.Payload) > bufMax {
		if !truncate {
			return wire.Frame{}, 0, errno.ErrInvalidInput
		}
		truncated := head
		truncated.Payload = append([]byte(nil), head.Payload[:bufMax]...)
		// Header.Len is left as the original length per spec.md section 4.3.
		head = truncated
	} else {
		head = head.Clone()
	}
	ep.queue = ep.queue[1:]
	ep.bytes -= chargedLen
	r.ownerBytes[ep.owner] -= chargedLen
	r.globalBytes -= chargedLen
	svc := uint64(0)
	if r.res != nil {
		svc = r.res.ServiceID(head.Header.Src)
	}
	// Waking send waiters here, before the caller has decided whether the
	// dequeued frame can actually be kept (a full recv capability table
	// forces RequeueHead), could let a woken sender re-admit into the
	// freed slot and then have RequeueHead push depth one past depthMax.
	// The caller must call WakeSendWaiters itself once recv has actually
	// completed (spec.md section 3's bounded-depth invariant).
	return head, svc, nil
}

// WakeSendWaiters wakes the FIFO-oldest send waiters on id whose messages
// the capacity freed by a completed (non-requeued) dequeue now admits.
// Callers must invoke this only after committing to keep the dequeued
// frame — never between TryDequeue and a possible RequeueHead.
func (r *Router) WakeSendWaiters(id EndpointID) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return err
	}
	r.wakeSendWaitersLocked(ep)
	return nil
}

// RequeueHead puts a frame back at the head of id's queue, preserving
// order. Used when a receiver's capability table is full and the message
// must not be lost (spec.md section 4.3 step 3, P2).
func (r *Router) RequeueHead(id EndpointID, frame wire.Frame) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return err
	}
	ep.queue = append([]wire.Frame{frame}, ep.queue...)
	ep.bytes += len(frame.Payload)
	r.ownerBytes[ep.owner] += len(frame.Payload)
	r.globalBytes += len(frame.Payload)
	return nil
}

func (r *Router) wakeSendWaitersLocked(ep *endpoint) {
	for len(ep.sendWaiters) > 0 {
		w := ep.sendWaiters[0]
		if w.canceled {
			ep.sendWaiters = ep.sendWaiters[1:]
			continue
		}
		length := len(w.frame.Payload)
		if err := r.admit(ep, length); err != nil {
			break // head-of-line: stop at the first waiter admission can't satisfy yet
		}
		ep.sendWaiters = ep.sendWaiters[1:]
		w.canceled = true
		frame := w.frame
		frame.Header.Src = w.pid
		frame.Header.Dst = uint32(ep.id)
		ep.queue = append(ep.queue, frame.Clone())
		ep.bytes += length
		r.ownerBytes[ep.owner] += length
		r.globalBytes += length
		w.done <- nil
	}
}

// Depth reports the current queue depth of id (test/diagnostic use).
func (r *Router) Depth(id EndpointID) (int, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return 0, err
	}
	return len(ep.queue), nil
}

// Owner reports id's owning pid.
func (r *Router) Owner(id EndpointID) (uint32, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	ep, err := r.get(id)
	if err != nil {
		return 0, err
	}
	return ep.owner, nil
}
