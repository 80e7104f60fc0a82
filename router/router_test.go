/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package router

import (
	"testing"
	"time"

	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/wire"
)

type fakeResolver struct{ m map[uint32]uint64 }

func (f fakeResolver) ServiceID(pid uint32) uint64 { return f.m[pid] }

func newTestRouter() *Router {
	cfg := DefaultConfig()
	cfg.DepthMax = 256
	return New(cfg, fakeResolver{m: map[uint32]uint64{1: 0xAAAA, 2: 0xBBBB}})
}

func frame16(tag byte) wire.Frame {
	p := make([]byte, 16)
	p[0] = tag
	return wire.Frame{Header: wire.Header{Len: 16}, Payload: p}
}

func TestQueueFullBackpressureScenario(t *testing.T) {
	// Concrete scenario 1 from spec.md section 8.
	r := newTestRouter()
	id, err := r.EndpointCreate(2, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.TryEnqueue(id, frame16(1), 1); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := r.TryEnqueue(id, frame16(2), 1); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := r.TryEnqueue(id, frame16(3), 1); err != errno.ErrQueueFull {
		t.Fatalf("send 3 nonblock: expected ErrQueueFull, got %v", err)
	}

	// B receives once, freeing capacity.
	f, svc, err := r.TryDequeue(id, 0, false)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if svc != 0xAAAA {
		t.Fatalf("expected sender service id 0xAAAA, got %#x", svc)
	}
	if len(f.Payload) != 16 {
		t.Fatalf("unexpected payload len %d", len(f.Payload))
	}

	// A's third send, now blocking, is admitted only through
	// WakeSendWaiters: registering alone never admits, even though the
	// receive above already left room in the queue.
	w, err := r.RegisterSendWaiter(id, frame16(3), 1)
	if err != nil {
		t.Fatalf("register send waiter: %v", err)
	}
	select {
	case err := <-w.Done():
		t.Fatalf("send waiter fired before any wake: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	// Receive again, then wake. Waking is the caller's job once it has
	// committed to keeping the dequeued frame (see WakeSendWaiters's doc
	// comment).
	if _, _, err := r.TryDequeue(id, 0, false); err != nil {
		t.Fatalf("dequeue to free capacity: %v", err)
	}
	if err := r.WakeSendWaiters(id); err != nil {
		t.Fatalf("wake send waiters: %v", err)
	}
	select {
	case err := <-w.Done():
		if err != nil {
			t.Fatalf("expected send waiter admission, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send waiter never woke after capacity freed")
	}
}

func TestDeadlineTimeoutDoesNotLeaveWaiter(t *testing.T) {
	// Concrete scenario 2 from spec.md section 8.
	r := newTestRouter()
	id, _ := r.EndpointCreate(2, 2)
	w, err := r.RegisterRecvWaiter(id, 2, 0, false)
	if err != nil {
		t.Fatalf("register recv waiter: %v", err)
	}
	// Caller's deadline has already passed; cancel immediately (P4).
	r.CancelRecvWaiter(id, w)
	// The message that "arrives late" must not reach the canceled waiter;
	// it should land in the queue instead.
	if err := r.TryEnqueue(id, frame16(9), 1); err != nil {
		t.Fatalf("enqueue after cancel: %v", err)
	}
	depth, err := r.Depth(id)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected message queued (not delivered to canceled waiter), depth=%d", depth)
	}
}

func TestReceiverCapTableFullRequeue(t *testing.T) {
	// Concrete scenario 4 from spec.md section 8: requeue preserves order/depth.
	r := newTestRouter()
	id, _ := r.EndpointCreate(2, 4)
	f := frame16(1)
	f.Cap = &wire.CapMove{Kind: 0, Rights: 1, EndpointID: 77}
	if err := r.TryEnqueue(id, f, 1); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate receiver cap table full: dequeue, then requeue head.
	got, _, err := r.TryDequeue(id, 0, false)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := r.RequeueHead(id, got); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	depth, _ := r.Depth(id)
	if depth != 1 {
		t.Fatalf("expected depth 1 after requeue, got %d", depth)
	}
	got2, _, err := r.TryDequeue(id, 0, false)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if got2.Cap == nil || got2.Cap.EndpointID != 77 {
		t.Fatalf("moved capability lost across requeue: %+v", got2.Cap)
	}
}

func TestCloseWakesEveryWaiterScenario(t *testing.T) {
	// Concrete scenario 7 and P3 from spec.md section 8.
	r := newTestRouter()
	id, _ := r.EndpointCreate(2, 1)
	recvW, err := r.RegisterRecvWaiter(id, 2, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	sendW, err := r.RegisterSendWaiter(id, frame16(2), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Close(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case res := <-recvW.Done():
		if res.Err != errno.ErrNoSuchEndpoint {
			t.Fatalf("recv waiter expected NoSuchEndpoint, got %v", res.Err)
		}
	default:
		t.Fatal("recv waiter not woken by close")
	}
	select {
	case err := <-sendW.Done():
		if err != errno.ErrNoSuchEndpoint {
			t.Fatalf("send waiter expected NoSuchEndpoint, got %v", err)
		}
	default:
		t.Fatal("send waiter not woken by close")
	}
}

func TestFIFOFairnessAmongSendWaiters(t *testing.T) {
	// P7: wake order equals registration order.
	r := newTestRouter()
	id, _ := r.EndpointCreate(2, 1)
	if err := r.TryEnqueue(id, frame16(0), 1); err != nil {
		t.Fatal(err)
	}
	var waiters []*sendWaiter
	for i := byte(1); i <= 3; i++ {
		w, err := r.RegisterSendWaiter(id, frame16(i), 1)
		if err != nil {
			t.Fatal(err)
		}
		waiters = append(waiters, w)
	}
	for i, w := range waiters {
		if _, _, err := r.TryDequeue(id, 0, false); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		if err := r.WakeSendWaiters(id); err != nil {
			t.Fatalf("wake send waiters %d: %v", i, err)
		}
		select {
		case err := <-w.Done():
			if err != nil {
				t.Fatalf("waiter %d admission error: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d (registered %dth) never admitted out of order", i, i)
		}
	}
}

func TestByteBudgetAccountingSymmetric(t *testing.T) {
	r := newTestRouter()
	r.cfg.PerEndpointBytes = 32
	id, _ := r.EndpointCreate(1, 4)
	if err := r.TryEnqueue(id, frame16(1), 1); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := r.TryEnqueue(id, frame16(2), 1); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := r.TryEnqueue(id, frame16(3), 1); err != errno.ErrNoSpace {
		t.Fatalf("third enqueue should exceed per-endpoint byte budget, got %v", err)
	}
	if _, _, err := r.TryDequeue(id, 0, false); err != nil {
		t.Fatal(err)
	}
	// Dequeue releases exactly the bytes the enqueue charged; verify the
	// freed budget is fully usable again.
	if err := r.TryEnqueue(id, frame16(4), 1); err != nil {
		t.Fatalf("enqueue after dequeue freed budget: %v", err)
	}
}

func TestEndpointCreateCloseReleasesQuota(t *testing.T) {
	r := newTestRouter()
	r.cfg.PerOwnerEndpoints = 1
	id, err := r.EndpointCreate(5, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.EndpointCreate(5, 1); err != errno.ErrNoSpace {
		t.Fatalf("expected per-owner endpoint quota exhaustion, got %v", err)
	}
	if _, err := r.Close(id); err != nil {
		t.Fatal(err)
	}
	if _, err := r.EndpointCreate(5, 1); err != nil {
		t.Fatalf("expected quota released after close, got %v", err)
	}
}
