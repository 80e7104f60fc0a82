/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// nexusd is the kernel core: it owns the router, the per-task capability
// tables, and the IPC syscall surface. It also hosts the bootstrap
// distributor and routing responder in-process, since this Go rendition
// runs the fabric as cooperating goroutines over a shared *router.Router
// rather than literal kernel trap frames or a distributed transport
// (remote IPC is explicitly out of scope); cmd/initd is a separate,
// offline administrative client against the same bring-up artifacts
// (audit trail, deterministic service ids), not a second live process.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/open-nexus-os/nexuscore/audit"
	"github.com/open-nexus-os/nexuscore/bootstrap"
	"github.com/open-nexus-os/nexuscore/config"
	"github.com/open-nexus-os/nexuscore/ipc"
	"github.com/open-nexus-os/nexuscore/lifecycle"
	nxlog "github.com/open-nexus-os/nexuscore/log"
	"github.com/open-nexus-os/nexuscore/policy"
	"github.com/open-nexus-os/nexuscore/router"
	"github.com/open-nexus-os/nexuscore/wire"
)

var (
	configOverride = flag.String("config-file-override", "", "override location for the bring-up config file")
	lockPath       = flag.String("lock-file", "/tmp/nexusd.lock", "advisory single-instance lock path")
	services       = flag.String("services", "", "comma-separated list of service names to spawn at bring-up")
	verbose        = flag.Bool("v", false, "set log level to DEBUG regardless of config")
)

func main() {
	flag.Parse()

	lg := nxlog.New(osStdErrCloser{}, hostnameOrEmpty(), "nexusd")
	if *verbose {
		lg.SetLevel(nxlog.DEBUG)
	}

	fl := flock.New(*lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		lg.Criticalf("failed to acquire bring-up lock %s: %v", *lockPath, err)
		os.Exit(1)
	}
	if !locked {
		lg.Criticalf("another nexusd instance already holds %s", *lockPath)
		os.Exit(1)
	}
	defer fl.Unlock()

	cfg, err := config.LoadNexusConfig(*configOverride)
	if err != nil {
		lg.Criticalf("failed to load config: %v", err)
		os.Exit(1)
	}
	if lvl, err := cfg.LogLevel(); err == nil && !*verbose {
		lg.SetLevel(lvl)
	}

	rcfg, err := cfg.RouterConfig()
	if err != nil {
		lg.Criticalf("invalid router config: %v", err)
		os.Exit(1)
	}
	capDepth, err := cfg.CapTableDepth()
	if err != nil {
		lg.Criticalf("invalid capability table depth: %v", err)
		os.Exit(1)
	}

	var sink *audit.Sink
	if cfg.Global.Audit_DB_Path != "" {
		sink, err = audit.Open(cfg.Global.Audit_DB_Path)
		if err != nil {
			lg.Criticalf("failed to open audit sink: %v", err)
			os.Exit(1)
		}
		defer sink.Close()
	}

	rules, err := config.LoadPolicyRules(cfg.Global.Policy_File)
	if err != nil {
		lg.Criticalf("failed to load policy file: %v", err)
		os.Exit(1)
	}
	authority, err := policy.NewGlobAuthority(rules)
	if err != nil {
		lg.Criticalf("failed to compile policy rules: %v", err)
		os.Exit(1)
	}

	reg := bootstrap.NewRegistry()
	r := router.New(rcfg, reg)

	budget := lifecycle.NewBudget(int64(rcfg.GlobalEndpoints))
	lcm := lifecycle.NewManager(r, sink, budget)

	// The same IPC syscall surface client packages link against. Every
	// spawned service's ROUTE_GET round trip at bring-up below runs
	// through this Surface's Send/Recv, not a direct router call.
	surface := ipc.NewSurface(r, rcfg.MaxFrameBytes, nil)

	const initPID uint32 = 1
	d, err := bootstrap.New(bootstrap.Config{
		InitPID:       initPID,
		CapTableDepth: capDepth,
		EndpointDepth: rcfg.DepthMax,
	}, r, authority, sink, reg)
	if err != nil {
		lg.Criticalf("failed to construct bootstrap distributor: %v", err)
		os.Exit(1)
	}

	bootID := uuid.New()
	lg.Info("nexusd: bring-up", nxlog.KV("boot_id", bootID.String()))

	for _, name := range splitServices(*services) {
		info, err := d.Spawn(name)
		if err != nil {
			lg.Errorf("spawn %s failed: %v", name, err)
			continue
		}
		if !lcm.Register(info.PID, info.Table) {
			lg.Errorf("spawn %s failed: spawn-concurrency budget exhausted", name)
			continue
		}
		lg.Info("init: up " + name)

		if err := routeGetSmokeTest(surface, d, info); err != nil {
			lg.Errorf("%s: route_get smoke test failed: %v", name, err)
			continue
		}
		lg.Info(name + ": ready")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	lg.Infof("nexusd: ready, holding lock at %s", *lockPath)
	<-sigs
	lg.Info("nexusd: shutting down")
}

// routeGetSmokeTest drives one full ROUTE_GET round trip for a
// newly-spawned child entirely through the public ipc.Surface: the
// child's slot 1 capability (control request, SEND-only into the shared
// control inbox) sends the request, the slot 0 capability (bootstrap
// channel, SEND+RECV into the same inbox) dequeues it for the distributor
// to answer, and slot 2 (control reply) receives the RouteReply. This is the one thing every spawned
// service does at bring-up, so the syscall surface built above is never
// merely constructed and discarded.
func routeGetSmokeTest(surface *ipc.Surface, d *bootstrap.Distributor, child *bootstrap.ChildInfo) error {
	task := &ipc.Task{PID: child.PID, Table: child.Table}

	req := wire.RouteRequest{Name: "@reply", Nonce: child.PID}
	buf, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encode route request: %w", err)
	}
	frame := wire.Frame{Header: wire.Header{Len: uint32(len(buf))}, Payload: buf}
	if _, err := surface.Send(task, bootstrap.SlotControlRequest, frame, wire.FlagNonblock, 0); err != nil {
		return fmt.Errorf("send route request: %w", err)
	}

	reqRes, err := surface.Recv(task, bootstrap.SlotBootstrapChannel, 0, wire.FlagNonblock, 0)
	if err != nil {
		return fmt.Errorf("recv route request off the control inbox: %w", err)
	}
	if err := d.HandleOne(reqRes.SenderService, reqRes.Frame.Payload); err != nil {
		return fmt.Errorf("handle route request: %w", err)
	}

	replyRes, err := surface.Recv(task, bootstrap.SlotControlReply, 0, wire.FlagNonblock, 0)
	if err != nil {
		return fmt.Errorf("recv route reply: %w", err)
	}
	reply, err := wire.DecodeRouteReply(replyRes.Frame.Payload)
	if err != nil {
		return fmt.Errorf("decode route reply: %w", err)
	}
	if reply.Status != wire.RouteStatusOK {
		return fmt.Errorf("unexpected route reply status %d", reply.Status)
	}
	return nil
}

func splitServices(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func hostnameOrEmpty() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// osStdErrCloser adapts os.Stderr (which must never be closed by the
// logger) to io.WriteCloser.
type osStdErrCloser struct{}

func (osStdErrCloser) Write(b []byte) (int, error) { return os.Stderr.Write(b) }
func (osStdErrCloser) Close() error                { return nil }
