/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ipc implements the two payload-carrying syscalls (Send, Recv)
// and the capability syscalls (CapClone, CapTransfer, CapClose) described
// in spec.md section 4.3. Every argument is validated before any mutation;
// failure paths guarantee no state mutation, and capability moves that are
// tentatively staged for a send are rolled back on any later failure
// (QueueFull/NoSpace/TimedOut).
package ipc

import (
	"time"

	"github.com/open-nexus-os/nexuscore/captable"
	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/router"
	"github.com/open-nexus-os/nexuscore/wire"
)

// Clock abstracts "now" in the monotonic domain so deadline tests are
// deterministic. Deadlines are absolute per spec.md section 5.
type Clock func() time.Time

// Task is the minimal per-task context the syscall surface needs: its pid
// and its capability table. Deadlines are evaluated against the Surface's
// Clock.
type Task struct {
	PID   uint32
	Table *captable.Table
}

// Surface binds a Router to the syscall implementations. One Surface per
// kernel instance; it holds no per-task state of its own.
type Surface struct {
	R         *router.Router
	Clock     Clock
	MaxFrame  int
}

// NewSurface constructs a Surface. If clock is nil, time.Now is used.
func NewSurface(r *router.Router, maxFrame int, clock Clock) *Surface {
	if clock == nil {
		clock = time.Now
	}
	return &Surface{R: r, Clock: clock, MaxFrame: maxFrame}
}

func (s *Surface) now() time.Time { return s.Clock() }

// deadlinePassed reports whether an absolute deadlineNs (0 = no deadline)
// in the monotonic domain has already elapsed.
func (s *Surface) deadlinePassed(deadlineNs int64) bool {
	if deadlineNs == 0 {
		return false
	}
	return deadlineNs <= s.now().UnixNano()
}

func (s *Surface) durationUntil(deadlineNs int64) time.Duration {
	d := time.Duration(deadlineNs-s.now().UnixNano()) * time.Nanosecond
	if d < 0 {
		return 0
	}
	return d
}

// Send implements spec.md section 4.3 "send". slot must carry SEND rights
// on the task's capability table.
func (s *Surface) Send(task *Task, slot captable.Slot, frame wire.Frame, sysFlags uint32, deadlineNs int64) (int, error) {
	cap, err := task.Table.Get(slot)
	if err != nil {
		return 0, errno.ErrInvalidInput
	}
	if cap.Kind != captable.KindEndpoint || !cap.Rights.Has(captable.RightSend) {
		return 0, errno.ErrPermissionDenied
	}
	if int(frame.Header.Len) != len(frame.Payload) || len(frame.Payload) > s.MaxFrame {
		return 0, errno.ErrInvalidInput
	}

	var movedSlot captable.Slot = -1
	var moved *wire.CapMove
	if frame.Header.Flags&wire.HeaderFlagCapMove != 0 {
		movedSlot = captable.Slot(frame.Header.Src)
		mc, err := task.Table.Get(movedSlot)
		if err != nil {
			return 0, errno.ErrInvalidInput
		}
		if mc.Kind == captable.KindEndpointFactory || mc.Rights.Has(captable.RightManage) {
			return 0, errno.ErrPermissionDenied
		}
		// Tentatively remove; restored on every failure path below.
		if err := task.Table.Close(movedSlot); err != nil {
			return 0, errno.ErrInvalidInput
		}
		moved = &wire.CapMove{Kind: uint8(mc.Kind), Rights: uint8(mc.Rights), EndpointID: mc.EndpointID, Base: mc.Base, Len: mc.Len}
		frame.Cap = moved
	}
	restore := func() {
		if moved != nil {
			task.Table.Insert(captable.Capability{
				Kind: captable.Kind(moved.Kind), Rights: captable.Rights(moved.Rights),
				EndpointID: moved.EndpointID, Base: moved.Base, Len: moved.Len,
			})
		}
	}

	id := router.EndpointID(cap.EndpointID)
	if s.deadlinePassed(deadlineNs) {
		restore()
		return 0, errno.ErrTimedOut
	}
	if err := s.R.TryEnqueue(id, frame, task.PID); err == nil {
		return len(frame.Payload), nil
	} else if err != errno.ErrQueueFull && err != errno.ErrNoSpace {
		restore()
		return 0, err
	} else if sysFlags&wire.FlagNonblock != 0 {
		restore()
		return 0, err
	} else if deadlineNs == 0 {
		// Block indefinitely.
		return s.blockingSend(task, id, frame, restore, 0)
	}
	return s.blockingSend(task, id, frame, restore, deadlineNs)
}

func (s *Surface) blockingSend(task *Task, id router.EndpointID, frame wire.Frame, restore func(), deadlineNs int64) (int, error) {
	w, err := s.R.RegisterSendWaiter(id, frame, task.PID)
	if err != nil {
		restore()
		return 0, err
	}
	if deadlineNs == 0 {
		if err := <-w.Done(); err != nil {
			restore()
			return 0, err
		}
		return len(frame.Payload), nil
	}
	timer := time.NewTimer(s.durationUntil(deadlineNs))
	defer timer.Stop()
	select {
	case err := <-w.Done():
		if err != nil {
			restore()
			return 0, err
		}
		return len(frame.Payload), nil
	case <-timer.C:
		s.R.CancelSendWaiter(id, w)
		select {
		case err := <-w.Done():
			if err != nil {
				restore()
				return 0, err
			}
			return len(frame.Payload), nil
		default:
		}
		restore()
		return 0, errno.ErrTimedOut
	}
}

// RecvResult is what Recv hands back to the caller: the received frame, the
// slot a moved capability (if any) was installed into (-1 if none was
// attached), and the sender's kernel-derived service id.
type RecvResult struct {
	Frame         wire.Frame
	RecvSlot      captable.Slot
	SenderService uint64
}

// Recv implements spec.md section 4.3 "recv". slot must carry RECV rights.
func (s *Surface) Recv(task *Task, slot captable.Slot, bufMax int, sysFlags uint32, deadlineNs int64) (RecvResult, error) {
	cap, err := task.Table.Get(slot)
	if err != nil {
		return RecvResult{}, errno.ErrInvalidInput
	}
	if cap.Kind != captable.KindEndpoint || !cap.Rights.Has(captable.RightRecv) {
		return RecvResult{}, errno.ErrPermissionDenied
	}
	id := router.EndpointID(cap.EndpointID)
	truncate := sysFlags&wire.FlagTruncate != 0

	if s.deadlinePassed(deadlineNs) {
		return RecvResult{}, errno.ErrTimedOut
	}

	frame, svc, err := s.R.TryDequeue(id, bufMax, truncate)
	if err == nil {
		res, ferr := s.finishRecv(task, frame, svc)
		if ferr == nil {
			// Only now, with the dequeued frame actually kept (not
			// RequeueHead'd back onto the front), is it safe to let a
			// blocked sender re-admit into the freed slot — otherwise a
			// woken send could land before RequeueHead and push depth
			// past depthMax (spec.md section 3).
			_ = s.R.WakeSendWaiters(id)
		}
		return res, ferr
	}
	if err != errno.ErrQueueEmpty {
		return RecvResult{}, err
	}
	if sysFlags&wire.FlagNonblock != 0 {
		return RecvResult{}, err
	}
	return s.blockingRecv(task, id, bufMax, truncate, deadlineNs)
}

func (s *Surface) blockingRecv(task *Task, id router.EndpointID, bufMax int, truncate bool, deadlineNs int64) (RecvResult, error) {
	w, err := s.R.RegisterRecvWaiter(id, task.PID, bufMax, truncate)
	if err != nil {
		return RecvResult{}, err
	}
	if deadlineNs == 0 {
		res := <-w.Done()
		if res.Err != nil {
			return RecvResult{}, res.Err
		}
		return s.finishRecv(task, res.Frame, res.SenderService)
	}
	timer := time.NewTimer(s.durationUntil(deadlineNs))
	defer timer.Stop()
	select {
	case res := <-w.Done():
		if res.Err != nil {
			return RecvResult{}, res.Err
		}
		return s.finishRecv(task, res.Frame, res.SenderService)
	case <-timer.C:
		s.R.CancelRecvWaiter(id, w)
		select {
		case res := <-w.Done():
			if res.Err != nil {
				return RecvResult{}, res.Err
			}
			return s.finishRecv(task, res.Frame, res.SenderService)
		default:
		}
		return RecvResult{}, errno.ErrTimedOut
	}
}

// finishRecv allocates a slot for any attached moved capability, clearing
// MANAGE, and re-queues the message (not the waiter) if the table is full
// (spec.md section 4.3 step 3, P2).
func (s *Surface) finishRecv(task *Task, frame wire.Frame, svc uint64) (RecvResult, error) {
	if frame.Cap == nil {
		return RecvResult{Frame: frame, RecvSlot: -1, SenderService: svc}, nil
	}
	rights := captable.Rights(frame.Cap.Rights) &^ captable.RightManage
	recvSlot, err := task.Table.Insert(captable.Capability{
		Kind: captable.Kind(frame.Cap.Kind), Rights: rights,
		EndpointID: frame.Cap.EndpointID, Base: frame.Cap.Base, Len: frame.Cap.Len,
	})
	if err != nil {
		id := router.EndpointID(frame.Header.Dst)
		_ = s.R.RequeueHead(id, frame)
		return RecvResult{}, errno.ErrNoSpace
	}
	return RecvResult{Frame: frame, RecvSlot: recvSlot, SenderService: svc}, nil
}

// CapClone implements cap_clone.
func (s *Surface) CapClone(task *Task, slot captable.Slot) (captable.Slot, error) {
	return task.Table.Clone(slot)
}

// CapTransfer implements cap_transfer.
func (s *Surface) CapTransfer(task *Task, slot captable.Slot, child *Task, rights captable.Rights) (captable.Slot, error) {
	return task.Table.Transfer(slot, child.Table, rights)
}

// CapClose implements cap_close.
func (s *Surface) CapClose(task *Task, slot captable.Slot) error {
	return task.Table.Close(slot)
}
