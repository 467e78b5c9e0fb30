// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/domex-project/domex/lib/ident"
)

// Snapshot is one immutable, fully-validated rule set. Resolutions
// read it without locking; reloads build a fresh one and swap.
type Snapshot struct {
	services map[string][]Rule
	digest   [32]byte
}

// Lookup returns the rule list governing a service. The
// argument-specific key wins when its file exists; otherwise the bare
// service key applies.
func (s *Snapshot) Lookup(service ident.Service) ([]Rule, bool) {
	if service.Argument != "" {
		if rules, ok := s.services[service.FullName()]; ok {
			return rules, true
		}
	}
	rules, ok := s.services[service.Name]
	return rules, ok
}

// Services returns the sorted service keys the snapshot has rules for.
func (s *Snapshot) Services() []string {
	keys := make([]string, 0, len(s.services))
	for key := range s.services {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DigestString returns a short hex form of the content digest, for
// logs and the policy-check CLI.
func (s *Snapshot) DigestString() string {
	return hex.EncodeToString(s.digest[:8])
}

// loadSnapshot reads every rule file in the directory and returns a
// validated snapshot. Any malformed file fails the whole load: a
// partially-applied policy is worse than keeping the previous one.
func loadSnapshot(directory string) (*Snapshot, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("read policy directory: %w", err)
	}

	snapshot := &Snapshot{services: make(map[string][]Rule)}
	hasher := blake3.New()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		service, err := ident.ParseService(name)
		if err != nil {
			return nil, fmt.Errorf("policy file %q: %w", name, err)
		}

		content, err := os.ReadFile(filepath.Join(directory, name))
		if err != nil {
			return nil, fmt.Errorf("read policy file %q: %w", name, err)
		}
		// ReadDir sorts by name, so the digest is deterministic.
		hasher.Write([]byte(name))
		hasher.Write([]byte{0})
		hasher.Write(content)
		hasher.Write([]byte{0})

		var rules []Rule
		if err := yaml.Unmarshal(content, &rules); err != nil {
			return nil, fmt.Errorf("parse policy file %q: %w", name, err)
		}
		for i, rule := range rules {
			if err := validateRule(rule); err != nil {
				return nil, fmt.Errorf("policy file %q rule %d: %w", name, i+1, err)
			}
		}
		snapshot.services[service.FullName()] = rules
	}
	hasher.Sum(snapshot.digest[:0])
	return snapshot, nil
}

func validateRule(rule Rule) error {
	if rule.Source == "" {
		return fmt.Errorf("missing source")
	}
	if rule.Target == "" {
		return fmt.Errorf("missing target")
	}
	switch rule.Decision {
	case "allow", "deny":
	default:
		return fmt.Errorf("decision %q is not allow or deny", rule.Decision)
	}
	if rule.OverrideTarget != "" {
		if rule.Decision != "allow" {
			return fmt.Errorf("override-target on a deny rule")
		}
		if rule.OverrideTarget != ident.KeywordAdminVM && ident.IsKeyword(rule.OverrideTarget) {
			return fmt.Errorf("override-target %q is not a domain name", rule.OverrideTarget)
		}
	}
	return nil
}
