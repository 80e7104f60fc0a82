/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package lifecycle implements task-exit cleanup and the spawn-failure
// taxonomy from spec.md section 4.6: revoking a task's endpoints, waking
// its waiters, dropping its capability table, and releasing its share of
// the router's per-owner budgets.
package lifecycle

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/open-nexus-os/nexuscore/audit"
	"github.com/open-nexus-os/nexuscore/captable"
	"github.com/open-nexus-os/nexuscore/router"
)

// FailureKind is the closed, stable taxonomy of spawn failures (spec.md
// section 4.6). No failure may collapse into "unknown" in gated proofs.
type FailureKind string

const (
	FailureOutOfMemory    FailureKind = "OutOfMemory"
	FailureCapTableFull   FailureKind = "CapTableFull"
	FailureEndpointQuota  FailureKind = "EndpointQuota"
	FailureMapFailed      FailureKind = "MapFailed"
	FailureInvalidPayload FailureKind = "InvalidPayload"
	FailureDeniedByPolicy FailureKind = "DeniedByPolicy"
)

// Marker returns the deterministic token a harness greps for.
func (k FailureKind) Marker() string {
	return "spawn: failed " + string(k)
}

// Budget reserves one owner's share of the system-wide spawn concurrency
// limit: a fixed weight acquired at spawn time and released whole at
// exit. It bounds how many tasks may be mid-spawn at once, independent
// of the router's own per-message byte/endpoint-count admission checks.
type Budget struct {
	sem    *semaphore.Weighted
	weight int64
}

// NewBudget constructs a system-wide spawn-concurrency budget of the
// given weight (typically the max simultaneously-live task count).
func NewBudget(weight int64) *Budget {
	return &Budget{sem: semaphore.NewWeighted(weight), weight: 1}
}

// TryAcquire reserves this task's unit of spawn concurrency, failing
// immediately (rather than blocking) if the system is at capacity.
func (b *Budget) TryAcquire() bool {
	return b.sem.TryAcquire(b.weight)
}

// Release returns the task's unit of spawn concurrency.
func (b *Budget) Release() {
	b.sem.Release(b.weight)
}

// Manager ties together the router, per-task capability tables, and the
// spawn-concurrency budget so Exit can perform the ordered cleanup
// spec.md section 4.6 requires.
type Manager struct {
	mu sync.Mutex

	r    *router.Router
	sink *audit.Sink

	tbls  map[uint32]*captable.Table
	owned map[uint32][]router.EndpointID

	budget     *Budget
	budgetHeld map[uint32]bool

	lastSpawnError map[uint64]FailureKind
}

// NewManager constructs a lifecycle Manager. budget may be nil if the
// caller does not bound spawn concurrency.
func NewManager(r *router.Router, sink *audit.Sink, budget *Budget) *Manager {
	return &Manager{
		r:              r,
		sink:           sink,
		tbls:           make(map[uint32]*captable.Table),
		owned:          make(map[uint32][]router.EndpointID),
		budget:         budget,
		budgetHeld:     make(map[uint32]bool),
		lastSpawnError: make(map[uint64]FailureKind),
	}
}

// Register reserves pid's unit of the spawn-concurrency budget (if one is
// configured) and records its capability table so a later Exit(pid) can
// drop every slot it holds. Returns false if the budget is exhausted, in
// which case the caller must treat this as a spawn failure: the pid is
// not registered and owns nothing for Exit to clean up.
func (m *Manager) Register(pid uint32, tbl *captable.Table) bool {
	if m.budget != nil && !m.budget.TryAcquire() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tbls[pid] = tbl
	if m.budget != nil {
		m.budgetHeld[pid] = true
	}
	return true
}

// TrackEndpoint records that pid now owns id, so Exit revokes it.
func (m *Manager) TrackEndpoint(pid uint32, id router.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owned[pid] = append(m.owned[pid], id)
}

// Exit performs the ordered task-exit cleanup (spec.md section 4.6):
//
//  1. revoke every endpoint pid owns, waking every waiter with
//     NoSuchEndpoint; any capability moved into a now-vanished endpoint's
//     send_waiters queue is handed to restore so the caller can return it
//     to its sender's table if that sender is still alive;
//  2. drop every capability slot in pid's table;
//  3. release pid's spawn-concurrency budget, if Register reserved one;
//  4. if the exit was abnormal, record a spawn-failure audit entry.
func (m *Manager) Exit(pid uint32, serviceID uint64, abnormal bool, reason FailureKind, restore func(router.PendingCapReturn)) {
	m.mu.Lock()
	ids := m.owned[pid]
	delete(m.owned, pid)
	tbl := m.tbls[pid]
	delete(m.tbls, pid)
	held := m.budgetHeld[pid]
	delete(m.budgetHeld, pid)
	m.mu.Unlock()

	for _, id := range ids {
		returns, err := m.r.Close(id)
		if err != nil {
			continue
		}
		for _, ret := range returns {
			if restore != nil {
				restore(ret)
			}
		}
	}

	if tbl != nil {
		tbl.CloseAll()
	}
	if m.budget != nil && held {
		m.budget.Release()
	}
	if abnormal {
		m.SpawnLastError(serviceID, reason)
		if m.sink != nil {
			m.sink.SpawnFailure(serviceID, reason.Marker())
		}
	}
}

// SpawnLastError records the last classified spawn failure for a
// service_id, surfaced via the spawn_last_error() query (spec.md section
// 4.6).
func (m *Manager) SpawnLastError(serviceID uint64, kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSpawnError[serviceID] = kind
}

// LastSpawnError returns the recorded failure kind for serviceID, if any.
func (m *Manager) LastSpawnError(serviceID uint64) (FailureKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.lastSpawnError[serviceID]
	return k, ok
}
