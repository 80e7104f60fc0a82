/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package policy defines the routing authority consulted by the bootstrap
// responder on every ROUTE_GET (spec.md section 4.4). Decisions are bound
// to the kernel-supplied requester service id, never to payload strings.
package policy

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Authority decides whether requesterServiceID may resolve targetName.
type Authority interface {
	Allow(requesterServiceID uint64, targetName string) bool
}

// Rule grants every service whose id is in Requesters (nil/empty means
// "any requester") access to targets matching Target, a glob pattern
// (e.g. "vfs", "net.*", "log.*").
type Rule struct {
	Requesters []uint64
	Target     string
}

// GlobAuthority is the reference Authority: an ordered list of allow
// rules evaluated first-match-wins, default-deny. It is built once at
// bootstrap from the static service manifest and never mutated from the
// routing hot path, only read.
type GlobAuthority struct {
	mu    sync.RWMutex
	rules []compiledRule
}

type compiledRule struct {
	requesters map[uint64]struct{} // nil means any
	target     glob.Glob
	raw        string
}

// NewGlobAuthority compiles rules, returning an error on the first
// malformed glob pattern so misconfiguration fails at bootstrap, not at
// the first denied request.
func NewGlobAuthority(rules []Rule) (*GlobAuthority, error) {
	a := &GlobAuthority{}
	for _, r := range rules {
		g, err := glob.Compile(r.Target)
		if err != nil {
			return nil, fmt.Errorf("policy: compiling rule for %q: %w", r.Target, err)
		}
		cr := compiledRule{target: g, raw: r.Target}
		if len(r.Requesters) > 0 {
			cr.requesters = make(map[uint64]struct{}, len(r.Requesters))
			for _, id := range r.Requesters {
				cr.requesters[id] = struct{}{}
			}
		}
		a.rules = append(a.rules, cr)
	}
	return a, nil
}

// Allow implements Authority: default-deny, first matching rule wins.
func (a *GlobAuthority) Allow(requesterServiceID uint64, targetName string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, r := range a.rules {
		if r.requesters != nil {
			if _, ok := r.requesters[requesterServiceID]; !ok {
				continue
			}
		}
		if r.target.Match(targetName) {
			return true
		}
	}
	return false
}

// SetRules atomically replaces the rule set, recompiling every pattern.
// Used by the config reload path; returns without effect on error.
func (a *GlobAuthority) SetRules(rules []Rule) error {
	next, err := NewGlobAuthority(rules)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.rules = next.rules
	a.mu.Unlock()
	return nil
}

// AllowAll is a permissive Authority useful for bring-up and tests.
type AllowAll struct{}

func (AllowAll) Allow(uint64, string) bool { return true }

// DenyAll is the zero-trust Authority: every ROUTE_GET is denied.
type DenyAll struct{}

func (DenyAll) Allow(uint64, string) bool { return false }
