/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"sort"
	"strings"

	"github.com/open-nexus-os/nexuscore/bootstrap"
	"github.com/open-nexus-os/nexuscore/policy"
)

// ruleSection is one [rule "<target-glob>"] block in the policy file.
// Requesters lists service names, comma-free (repeat the key for more
// than one name); an absent Requesters list means any requester.
type ruleSection struct {
	Requester []string
}

// policyFile is the gcfg target for the static routing policy manifest
// (spec.md section 4.4's "static service manifest").
type policyFile struct {
	Rule map[string]*ruleSection
}

// LoadPolicyRules reads a policy file and resolves each requester name to
// its deterministic service id, the same derivation bootstrap.Spawn uses,
// so the manifest can be authored in terms of service names rather than
// opaque ids. Rules are returned ordered lexicographically by target
// pattern, since gcfg's map-keyed sections have no inherent order and
// Allow is first-match-wins: overlapping globs should be authored with
// that ordering in mind.
func LoadPolicyRules(path string) ([]policy.Rule, error) {
	if path == "" {
		return nil, nil
	}
	var pf policyFile
	if err := LoadConfigFile(&pf, path); err != nil {
		return nil, err
	}
	targets := make([]string, 0, len(pf.Rule))
	for target := range pf.Rule {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	rules := make([]policy.Rule, 0, len(targets))
	for _, target := range targets {
		sec := pf.Rule[target]
		r := policy.Rule{Target: strings.TrimSpace(target)}
		if sec != nil {
			for _, name := range sec.Requester {
				r.Requesters = append(r.Requesters, bootstrap.ServiceID(name))
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}
