/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package bootstrap implements the distributor and routing responder
// from spec.md section 4.4: spawning services, seeding their reserved
// capability slots, and answering ROUTE_GET over each service's private
// control channel. The distributor plays the role of the privileged init
// task; it is the one component in this core allowed to mint capabilities
// directly into a task's table rather than through cap_transfer, because
// it is the kernel-trusted counterpart of the boot task's one-shot
// EndpointFactory seeding.
package bootstrap

import (
	"hash/fnv"
	"sync"

	"github.com/open-nexus-os/nexuscore/audit"
	"github.com/open-nexus-os/nexuscore/captable"
	"github.com/open-nexus-os/nexuscore/errno"
	"github.com/open-nexus-os/nexuscore/policy"
	"github.com/open-nexus-os/nexuscore/router"
	"github.com/open-nexus-os/nexuscore/wire"
)

// ServiceID derives the stable, deterministic identity published to a
// spawned task's bootstrap info page: FNV-1a-64 of the service name
// (spec.md section 3).
func ServiceID(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// ReservedSlots is the fixed layout every spawned task's capability table
// starts with (spec.md section 6, "Capability seeding convention").
const (
	SlotBootstrapChannel captable.Slot = 0
	SlotControlRequest   captable.Slot = 1
	SlotControlReply     captable.Slot = 2
)

const replyPseudoName = "@reply"

// Registry is the router.ServiceResolver backing a running kernel: the
// router needs the authoritative service_id for a pid before the
// Distributor that assigns pids to names can exist, so the two share
// this mutable map instead of the Distributor implementing the
// interface directly. Spawn populates it; the router only ever reads it.
type Registry struct {
	mu sync.RWMutex
	m  map[uint32]uint64
}

// NewRegistry constructs an empty Registry, ready to hand to router.New.
func NewRegistry() *Registry {
	return &Registry{m: make(map[uint32]uint64)}
}

// ServiceID implements router.ServiceResolver.
func (reg *Registry) ServiceID(pid uint32) uint64 {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.m[pid]
}

func (reg *Registry) set(pid uint32, serviceID uint64) {
	reg.mu.Lock()
	reg.m[pid] = serviceID
	reg.mu.Unlock()
}

// ChildInfo is everything Spawn hands back about a newly seeded task.
type ChildInfo struct {
	PID         uint32
	ServiceID   uint64
	Name        string
	Table       *captable.Table
	InfoPage    wire.BootstrapInfoPage
	ReplyEP     router.EndpointID // owned by the child; init replies land here
}

type serviceRecord struct {
	serviceID uint64
	ownerPID  uint32
	requestEP router.EndpointID // owned by the service; others get SEND-only here
}

// Distributor is the bootstrap/routing-responder core. One per kernel
// instance, owned by the init task.
type Distributor struct {
	mtx sync.Mutex

	r         *router.Router
	authority policy.Authority
	sink      *audit.Sink
	reg       *Registry

	initPID    uint32
	nextPID    uint32
	tableDepth int

	bootstrapEP router.EndpointID // shared, owned by init; slot 0 for every child

	services      map[string]serviceRecord // by name
	tablesBySvcID map[uint64]*captable.Table
	replyEPBySvc  map[uint64]router.EndpointID

	upMarkers []string // "init: up <svc>" markers, in spawn order; test/harness observable
}

// Config bounds the distributor's minted objects.
type Config struct {
	InitPID       uint32
	CapTableDepth int // per-task capability table capacity
	EndpointDepth int // queue depth of the shared bootstrap endpoint; per-service endpoints use fixed depths
}

// New constructs a Distributor. r and authority must be non-nil; sink may
// be nil, in which case deny/spawn-failure records are silently dropped
// (acceptable for bring-up and tests). reg may be nil, in which case
// Spawn does not publish pid->service_id mappings anywhere (fine for
// tests that never route through a real router.ServiceResolver lookup).
func New(cfg Config, r *router.Router, authority policy.Authority, sink *audit.Sink, reg *Registry) (*Distributor, error) {
	if cfg.CapTableDepth <= 0 {
		cfg.CapTableDepth = 16
	}
	if cfg.EndpointDepth <= 0 {
		cfg.EndpointDepth = 32
	}
	d := &Distributor{
		r:             r,
		authority:     authority,
		sink:          sink,
		reg:           reg,
		initPID:       cfg.InitPID,
		nextPID:       cfg.InitPID + 1,
		tableDepth:    cfg.CapTableDepth,
		services:      make(map[string]serviceRecord),
		tablesBySvcID: make(map[uint64]*captable.Table),
		replyEPBySvc:  make(map[uint64]router.EndpointID),
	}
	bootstrapEP, err := r.EndpointCreate(cfg.InitPID, cfg.EndpointDepth)
	if err != nil {
		return nil, err
	}
	d.bootstrapEP = bootstrapEP
	return d, nil
}

// Spawn seeds a new task's capability table per the reserved-slot
// convention, publishes its bootstrap info page, and registers it as a
// routable service under name (name must be unique; respawning under the
// same name is rejected with InvalidInput).
func (d *Distributor) Spawn(name string) (*ChildInfo, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if _, exists := d.services[name]; exists {
		return nil, errno.ErrInvalidInput
	}

	pid := d.nextPID
	d.nextPID++
	svcID := ServiceID(name)
	tbl := captable.NewTable(d.tableDepth)

	// slot 0: bootstrap channel, SEND+RECV into init's shared channel.
	if _, err := tbl.Insert(captable.Capability{
		Kind: captable.KindEndpoint, Rights: captable.RightSend | captable.RightRecv,
		EndpointID: uint32(d.bootstrapEP),
	}); err != nil {
		return nil, err
	}

	// Every spawned task gets its own request endpoint, registered under
	// its name so other services can reach it via ROUTE_GET. This is the
	// data-plane endpoint, distinct from the control channel.
	requestEP, err := d.r.EndpointCreate(pid, 32)
	if err != nil {
		return nil, err
	}

	// slot 1: control request, SEND-only into init's shared control
	// inbox (the bootstrapEP doubles as the ROUTE_GET transport — every
	// child's slot 1 capability targets the same router endpoint).
	if _, err := tbl.Insert(captable.Capability{
		Kind: captable.KindEndpoint, Rights: captable.RightSend,
		EndpointID: uint32(d.bootstrapEP),
	}); err != nil {
		return nil, err
	}

	// slot 2: control reply, owned by the child, RECV-only. Init (via
	// ReplyTo) sends RouteReply frames here.
	replyEP, err := d.r.EndpointCreate(pid, 8)
	if err != nil {
		return nil, err
	}
	if _, err := tbl.Insert(captable.Capability{
		Kind: captable.KindEndpoint, Rights: captable.RightRecv,
		EndpointID: uint32(replyEP),
	}); err != nil {
		return nil, err
	}

	d.services[name] = serviceRecord{serviceID: svcID, ownerPID: pid, requestEP: requestEP}
	d.tablesBySvcID[svcID] = tbl
	d.replyEPBySvc[svcID] = replyEP
	d.upMarkers = append(d.upMarkers, "init: up "+name)
	if d.reg != nil {
		d.reg.set(pid, svcID)
	}

	return &ChildInfo{
		PID: pid, ServiceID: svcID, Name: name, Table: tbl, ReplyEP: replyEP,
		InfoPage: wire.BootstrapInfoPage{Version: 2, ServiceID: svcID},
	}, nil
}

// UpMarkers returns the deterministic "init: up <svc>" markers emitted so
// far, in spawn order. Harnesses gate on ready markers, never these.
func (d *Distributor) UpMarkers() []string {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	out := make([]string, len(d.upMarkers))
	copy(out, d.upMarkers)
	return out
}

// BootstrapEndpoint exposes the shared control inbox id, for tests and
// for the kernel glue that drives HandleOne's recv loop.
func (d *Distributor) BootstrapEndpoint() router.EndpointID { return d.bootstrapEP }

// HandleOne processes exactly one ROUTE_GET request already dequeued by
// the caller (typically via ipc.Recv on slot 0's bootstrap channel),
// sending the reply directly into the requester's private reply
// endpoint (spec.md section 4.4). requesterServiceID must be the
// kernel-supplied identity from the dequeue, never trusted payload data.
func (d *Distributor) HandleOne(requesterServiceID uint64, payload []byte) error {
	req, err := wire.DecodeRouteRequest(payload)
	reply := wire.RouteReply{Nonce: req.Nonce}
	if err != nil {
		reply.Status = wire.RouteStatusMalformed
		return d.reply(requesterServiceID, reply)
	}

	d.mtx.Lock()
	reply = d.resolveLocked(requesterServiceID, req)
	d.mtx.Unlock()

	return d.reply(requesterServiceID, reply)
}

func (d *Distributor) resolveLocked(requesterServiceID uint64, req wire.RouteRequest) wire.RouteReply {
	reply := wire.RouteReply{Nonce: req.Nonce}
	requesterTable := d.tablesBySvcID[requesterServiceID]
	if requesterTable == nil {
		reply.Status = wire.RouteStatusMalformed
		return reply
	}

	if req.Name == replyPseudoName {
		ep, ok := d.replyEPBySvc[requesterServiceID]
		if !ok {
			var err error
			ep, err = d.r.EndpointCreate(d.pidForServiceLocked(requesterServiceID), 16)
			if err != nil {
				reply.Status = wire.RouteStatusMalformed
				return reply
			}
			d.replyEPBySvc[requesterServiceID] = ep
		}
		sendSlot, err1 := requesterTable.Insert(captable.Capability{Kind: captable.KindEndpoint, Rights: captable.RightSend, EndpointID: uint32(ep)})
		recvSlot, err2 := requesterTable.Insert(captable.Capability{Kind: captable.KindEndpoint, Rights: captable.RightRecv, EndpointID: uint32(ep)})
		if err1 != nil || err2 != nil {
			reply.Status = wire.RouteStatusMalformed
			return reply
		}
		reply.Status = wire.RouteStatusOK
		reply.SendSlot = uint32(sendSlot)
		reply.RecvSlot = uint32(recvSlot)
		return reply
	}

	rec, ok := d.services[req.Name]
	if !ok {
		reply.Status = wire.RouteStatusNotFound
		return reply
	}
	if !d.authority.Allow(requesterServiceID, req.Name) {
		reply.Status = wire.RouteStatusDenied
		if d.sink != nil {
			d.sink.RouteDenied(requesterServiceID, req.Name)
		}
		return reply
	}
	sendSlot, err := requesterTable.Insert(captable.Capability{Kind: captable.KindEndpoint, Rights: captable.RightSend, EndpointID: uint32(rec.requestEP)})
	if err != nil {
		reply.Status = wire.RouteStatusMalformed
		return reply
	}
	reply.Status = wire.RouteStatusOK
	reply.SendSlot = uint32(sendSlot)
	return reply
}

func (d *Distributor) pidForServiceLocked(serviceID uint64) uint32 {
	for _, rec := range d.services {
		if rec.serviceID == serviceID {
			return rec.ownerPID
		}
	}
	return 0
}

func (d *Distributor) reply(requesterServiceID uint64, reply wire.RouteReply) error {
	d.mtx.Lock()
	ep, ok := d.replyEPBySvc[requesterServiceID]
	d.mtx.Unlock()
	if !ok {
		return errno.ErrNoSuchEndpoint
	}
	buf := reply.Encode()
	return d.r.TryEnqueue(ep, wire.Frame{Header: wire.Header{Len: uint32(len(buf))}, Payload: buf}, d.initPID)
}
