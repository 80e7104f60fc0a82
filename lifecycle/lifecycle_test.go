/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package lifecycle

import (
	"testing"

	"github.com/open-nexus-os/nexuscore/captable"
	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/router"
	"github.com/open-nexus-os/nexuscore/wire"
)

type fakeResolver struct{ m map[uint32]uint64 }

func (f fakeResolver) ServiceID(pid uint32) uint64 { return f.m[pid] }

func TestBudgetTryAcquireExhaustionAndRelease(t *testing.T) {
	b := NewBudget(1)
	if !b.TryAcquire() {
		t.Fatal("expected first acquire to succeed")
	}
	if b.TryAcquire() {
		t.Fatal("expected second acquire to fail at capacity 1")
	}
	b.Release()
	if !b.TryAcquire() {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestRegisterReservesBudgetExitReleasesOnlyIfHeld(t *testing.T) {
	r := router.New(router.DefaultConfig(), fakeResolver{m: map[uint32]uint64{}})
	m := NewManager(r, nil, NewBudget(1))

	if !m.Register(1, captable.NewTable(4)) {
		t.Fatal("expected first registration to reserve the only budget unit")
	}
	if m.Register(2, captable.NewTable(4)) {
		t.Fatal("expected second registration to fail at budget capacity 1")
	}

	// pid 2 was never registered (Register returned false before touching
	// m.tbls/m.budgetHeld), so its Exit must not release a unit it never
	// held.
	m.Exit(2, 0, true, FailureOutOfMemory, nil)
	if m.Register(3, captable.NewTable(4)) {
		t.Fatal("budget must still be exhausted: pid 2's Exit held nothing to release")
	}

	// pid 1's Exit releases the unit it actually reserved, freeing it for
	// a subsequent spawn.
	m.Exit(1, 0, false, "", nil)
	if !m.Register(3, captable.NewTable(4)) {
		t.Fatal("expected budget unit to be available after pid 1's Exit released it")
	}
}

func TestExitRevokesEndpointsAndWakesWaiters(t *testing.T) {
	// Concrete scenario 7 from spec.md section 8, driven through lifecycle.
	r := router.New(router.DefaultConfig(), fakeResolver{m: map[uint32]uint64{1: 0xAAAA, 2: 0xBBBB}})
	m := NewManager(r, nil, nil)

	const ownerPID uint32 = 2
	tbl := captable.NewTable(8)
	m.Register(ownerPID, tbl)
	id, err := r.EndpointCreate(ownerPID, 1)
	if err != nil {
		t.Fatal(err)
	}
	m.TrackEndpoint(ownerPID, id)

	sendW, err := r.RegisterSendWaiter(id, wire.Frame{Header: wire.Header{Len: 1}, Payload: []byte{0}}, 1)
	if err != nil {
		t.Fatal(err)
	}

	var restored []router.PendingCapReturn
	m.Exit(ownerPID, 0xBBBB, false, "", func(ret router.PendingCapReturn) {
		restored = append(restored, ret)
	})

	select {
	case err := <-sendW.Done():
		if err != errno.ErrNoSuchEndpoint {
			t.Fatalf("expected NoSuchEndpoint, got %v", err)
		}
	default:
		t.Fatal("send waiter not woken by Exit")
	}
	if len(restored) != 0 {
		t.Fatalf("expected no pending cap returns for a capless frame, got %d", len(restored))
	}
	if _, err := r.Depth(id); err != errno.ErrNoSuchEndpoint {
		t.Fatalf("expected endpoint gone after Exit, got %v", err)
	}
}

func TestExitDropsCapabilityTable(t *testing.T) {
	r := router.New(router.DefaultConfig(), fakeResolver{m: map[uint32]uint64{}})
	m := NewManager(r, nil, nil)
	tbl := captable.NewTable(4)
	tbl.Insert(captable.Capability{Kind: captable.KindEndpoint})
	m.Register(7, tbl)
	m.Exit(7, 0, false, "", nil)
	if tbl.Occupied() != 0 {
		t.Fatalf("expected capability table emptied on exit, got %d occupied", tbl.Occupied())
	}
}

func TestAbnormalExitRecordsSpawnFailure(t *testing.T) {
	r := router.New(router.DefaultConfig(), fakeResolver{m: map[uint32]uint64{}})
	m := NewManager(r, nil, nil)
	m.Exit(9, 0xCCCC, true, FailureCapTableFull, nil)
	kind, ok := m.LastSpawnError(0xCCCC)
	if !ok || kind != FailureCapTableFull {
		t.Fatalf("expected recorded CapTableFull failure, got %v ok=%v", kind, ok)
	}
}
