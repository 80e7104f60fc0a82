/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package policy

import "testing"

func TestGlobAuthorityFirstMatchWins(t *testing.T) {
	a, err := NewGlobAuthority([]Rule{
		{Requesters: []uint64{0xAAAA}, Target: "vfs"},
		{Target: "net.*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Allow(0xAAAA, "vfs") {
		t.Fatal("expected allow for requester 0xAAAA -> vfs")
	}
	if a.Allow(0xBBBB, "vfs") {
		t.Fatal("expected deny for requester 0xBBBB -> vfs (requester-restricted rule)")
	}
	if !a.Allow(0xBBBB, "net.tcp") {
		t.Fatal("expected allow for any requester -> net.tcp")
	}
	if a.Allow(0xBBBB, "audio") {
		t.Fatal("expected default-deny for unmatched target")
	}
}

func TestMalformedGlobRejectedAtBootstrap(t *testing.T) {
	if _, err := NewGlobAuthority([]Rule{{Target: "["}}); err == nil {
		t.Fatal("expected compile error for malformed glob pattern")
	}
}

func TestSetRulesAtomicReplace(t *testing.T) {
	a, err := NewGlobAuthority([]Rule{{Target: "vfs"}})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Allow(1, "vfs") {
		t.Fatal("expected initial rule to allow vfs")
	}
	if err := a.SetRules([]Rule{{Target: "net"}}); err != nil {
		t.Fatal(err)
	}
	if a.Allow(1, "vfs") {
		t.Fatal("expected vfs denied after rule replacement")
	}
	if !a.Allow(1, "net") {
		t.Fatal("expected net allowed after rule replacement")
	}
}

func TestDenyAllAndAllowAll(t *testing.T) {
	if (DenyAll{}).Allow(1, "anything") {
		t.Fatal("DenyAll must deny everything")
	}
	if !(AllowAll{}).Allow(1, "anything") {
		t.Fatal("AllowAll must allow everything")
	}
}
