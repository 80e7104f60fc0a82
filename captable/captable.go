/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package captable implements the per-task capability table: a fixed-size
// array of rights-bearing slots. It never amplifies rights across clone,
// transfer, or close, and it is never visible outside its owning task —
// callers only ever receive a Slot index.
package captable

import (
	"sync"

	"github.com/open-nexus-os/nexuscore/errno"
)

// Kind is the closed set of capability kinds. New kinds must be added here
// and given exhaustive handling at every syscall boundary (spec.md section 9).
type Kind uint8

const (
	KindEndpoint Kind = iota
	KindMemoryObject
	KindDeviceMmio
	KindEndpointFactory
)

// Rights is a bitmask drawn from {SEND, RECV, MAP, MANAGE}.
type Rights uint8

const (
	RightSend Rights = 1 << iota
	RightRecv
	RightMap
	RightManage
)

// Subset reports whether r contains no bit outside of other.
func (r Rights) Subset(other Rights) bool {
	return r&^other == 0
}

// Has reports whether r carries every bit in want.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// Capability is the kind-tagged, rights-bearing value held in a slot.
// EndpointID is meaningful only for KindEndpoint; Base/Len for
// KindMemoryObject and KindDeviceMmio. It carries no direct pointer to
// router state — only an opaque endpoint id — so capability tables never
// create ownership cycles with the router (spec.md section 9).
type Capability struct {
	Kind       Kind
	Rights     Rights
	EndpointID uint32
	Base       uint64
	Len        uint64
}

// Slot is an index into a task's capability table.
type Slot int

const none = -1

type entry struct {
	occupied bool
	cap      Capability
}

// Table is a per-task, fixed-capacity capability table. It is safe for
// concurrent use; all of invariants I1-I3 (no amplification, subset-only
// transfer/clone) are enforced in Insert/Clone/Transfer.
type Table struct {
	mtx     sync.Mutex
	slots   []entry
	free    []Slot // free-list, LIFO reuse is fine; order doesn't matter for slots
}

// NewTable allocates a table with the given fixed capacity.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]entry, capacity)}
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, Slot(i))
	}
	return t
}

// Insert places cap into a free slot, returning errno.ErrNoSpace if the
// table is full.
func (t *Table) Insert(cap Capability) (Slot, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if len(t.free) == 0 {
		return none, errno.ErrNoSpace
	}
	s := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[s] = entry{occupied: true, cap: cap}
	return s, nil
}

// Get returns a copy of the capability at slot, or ErrInvalidInput if the
// slot is out of range or empty. The returned value is a read-only view:
// mutating it has no effect on the table.
func (t *Table) Get(s Slot) (Capability, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	e, err := t.get(s)
	if err != nil {
		return Capability{}, err
	}
	return e.cap, nil
}

func (t *Table) get(s Slot) (entry, error) {
	if int(s) < 0 || int(s) >= len(t.slots) || !t.slots[s].occupied {
		return entry{}, errno.ErrInvalidInput
	}
	return t.slots[s], nil
}

// Clone produces a new slot holding a capability with rights equal to the
// source (I3: equal or weaker — clone never weakens in this design, only
// Transfer restricts).
func (t *Table) Clone(s Slot) (Slot, error) {
	t.mtx.Lock()
	e, err := t.get(s)
	t.mtx.Unlock()
	if err != nil {
		return none, err
	}
	return t.Insert(e.cap)
}

// Transfer moves a rights-restricted copy of the capability at s into dst,
// another task's table. rights must be a subset of the source's rights
// (I2); MANAGE is never transferable and EndpointFactory is never
// transferable, except the single kernel-internal seeding path
// (SeedEndpointFactory) which bypasses Transfer entirely.
func (t *Table) Transfer(s Slot, dst *Table, rights Rights) (Slot, error) {
	t.mtx.Lock()
	e, err := t.get(s)
	t.mtx.Unlock()
	if err != nil {
		return none, err
	}
	if e.cap.Kind == KindEndpointFactory {
		return none, errno.ErrPermissionDenied
	}
	if e.cap.Rights.Has(RightManage) || rights.Has(RightManage) {
		return none, errno.ErrPermissionDenied
	}
	if !rights.Subset(e.cap.Rights) {
		return none, errno.ErrPermissionDenied
	}
	nc := e.cap
	nc.Rights = rights
	return dst.Insert(nc)
}

// Close drops the local reference at s, freeing the slot for reuse. It
// does not affect the underlying router-owned resource; lifecycle.Exit
// (or an explicit endpoint_close with MANAGE) is responsible for that.
func (t *Table) Close(s Slot) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, err := t.get(s); err != nil {
		return err
	}
	t.slots[s] = entry{}
	t.free = append(t.free, s)
	return nil
}

// SeedEndpointFactory is the one-shot, kernel-internal exception to I2/I3:
// it plants an EndpointFactory(MANAGE) capability directly into a table,
// used exactly once at boot to give the init task its factory. It must
// never be reachable from Transfer or any syscall-facing path.
func SeedEndpointFactory(t *Table) (Slot, error) {
	return t.Insert(Capability{Kind: KindEndpointFactory, Rights: RightManage})
}

// Len reports the table's fixed capacity.
func (t *Table) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.slots)
}

// Occupied reports how many slots currently hold a capability.
func (t *Table) Occupied() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.slots) - len(t.free)
}

// ForEach visits every occupied slot. The callback must not mutate the
// table.
func (t *Table) ForEach(fn func(Slot, Capability)) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i, e := range t.slots {
		if e.occupied {
			fn(Slot(i), e.cap)
		}
	}
}

// CloseAll drops every occupied slot, releasing the whole table. Used by
// lifecycle.Exit.
func (t *Table) CloseAll() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i := range t.slots {
		t.slots[i] = entry{}
	}
	t.free = t.free[:0]
	for i := len(t.slots) - 1; i >= 0; i-- {
		t.free = append(t.free, Slot(i))
	}
}
