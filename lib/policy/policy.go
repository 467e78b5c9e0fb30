// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether a service invocation from one domain
// to another is permitted, and by what effective target. Rules are
// administrator-authored data: a directory of YAML files, one file per
// service key ("test.EOF" or "test.Argument+argument"), each an
// ordered rule list evaluated first-match-wins.
//
// The argument-specific file, when present, replaces the bare-service
// file for that argument — it is consulted instead of, not before,
// the base rules. Everything unmatched is denied: no file, no matching
// rule, or a malformed pattern all resolve to deny.
//
// Lookups run against an immutable snapshot swapped atomically on
// reload, so a resolution in flight never observes a half-loaded rule
// set and reloading never disrupts in-flight connections.
package policy

import (
	"log/slog"
	"sync/atomic"

	"github.com/domex-project/domex/lib/ident"
)

// Rule is one policy line: who may invoke, toward whom, and whether
// to permit it. Rules are evaluated in file order.
type Rule struct {
	// Source matches the invoking domain: a literal name, $anyvm,
	// or @adminvm.
	Source string `yaml:"source"`

	// Target matches the requested target: a literal name, $anyvm,
	// @adminvm, or $default (a request that named no target).
	Target string `yaml:"target"`

	// Decision is "allow" or "deny".
	Decision string `yaml:"decision"`

	// OverrideTarget, when set on an allow rule, redirects the
	// invocation to this domain regardless of what the client
	// requested. Required for $default rules to go anywhere.
	OverrideTarget string `yaml:"override-target,omitempty"`
}

// DenyReason describes why a resolution was denied.
type DenyReason int

const (
	// ReasonNone: the resolution was allowed.
	ReasonNone DenyReason = iota

	// ReasonNoPolicy: no rule file exists for the service key.
	ReasonNoPolicy

	// ReasonNoMatch: a rule file exists but no rule matched the
	// (source, target) pair. Deny-by-default.
	ReasonNoMatch

	// ReasonRuleDeny: an explicit deny rule matched.
	ReasonRuleDeny

	// ReasonNoTarget: an allow rule matched a default request but
	// carries no override target, so there is nowhere to go.
	ReasonNoTarget
)

// String returns a human-readable reason.
func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "allowed"
	case ReasonNoPolicy:
		return "no policy for service"
	case ReasonNoMatch:
		return "no matching rule"
	case ReasonRuleDeny:
		return "denied by rule"
	case ReasonNoTarget:
		return "no effective target"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a resolution, including the matched rule
// for audit logging.
type Decision struct {
	// Allow is the verdict.
	Allow bool

	// EffectiveTarget is the domain the invocation goes to. Only
	// meaningful when Allow is true; always a literal domain name,
	// never a keyword.
	EffectiveTarget string

	// Reason describes the denial. Only meaningful when Allow is
	// false.
	Reason DenyReason

	// Matched is the rule that decided, if any.
	Matched *Rule
}

// Resolver resolves invocations against the current policy snapshot.
type Resolver struct {
	directory string
	admin     string
	logger    *slog.Logger
	snapshot  atomic.Pointer[Snapshot]
}

// NewResolver loads the rule directory and returns a ready resolver.
// adminDomain is the management domain's name; the resolver needs it
// because $anyvm must never match it.
func NewResolver(directory, adminDomain string, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{directory: directory, admin: adminDomain, logger: logger}
	snapshot, err := loadSnapshot(directory)
	if err != nil {
		return nil, err
	}
	r.snapshot.Store(snapshot)
	logger.Info("policy loaded",
		"directory", directory,
		"services", len(snapshot.services),
		"digest", snapshot.DigestString(),
	)
	return r, nil
}

// Current returns the live snapshot.
func (r *Resolver) Current() *Snapshot {
	return r.snapshot.Load()
}

// Resolve decides one invocation. source is always a literal domain
// name (the broker fills it in from the link identity, never from
// client data); requestedTarget is the raw client request — a name,
// @adminvm, or empty for "wherever policy sends it".
func (r *Resolver) Resolve(service ident.Service, source, requestedTarget string) Decision {
	snapshot := r.snapshot.Load()

	rules, ok := snapshot.Lookup(service)
	if !ok {
		return Decision{Reason: ReasonNoPolicy}
	}

	for i := range rules {
		rule := &rules[i]
		if !r.sourceMatches(rule.Source, source) {
			continue
		}
		if !r.targetMatches(rule.Target, requestedTarget) {
			continue
		}
		if rule.Decision != "allow" {
			return Decision{Reason: ReasonRuleDeny, Matched: rule}
		}

		effective := rule.OverrideTarget
		if effective == "" {
			effective = requestedTarget
		}
		if effective == ident.KeywordAdminVM {
			effective = r.admin
		}
		if effective == "" || ident.IsKeyword(effective) {
			return Decision{Reason: ReasonNoTarget, Matched: rule}
		}
		return Decision{Allow: true, EffectiveTarget: effective, Matched: rule}
	}
	return Decision{Reason: ReasonNoMatch}
}

// sourceMatches checks a source pattern against the invoking domain
// name. $anyvm matches every domain except the management domain.
func (r *Resolver) sourceMatches(pattern, source string) bool {
	switch pattern {
	case ident.KeywordAnyVM:
		return source != r.admin
	case ident.KeywordAdminVM:
		return source == r.admin
	default:
		return pattern == source
	}
}

// targetMatches checks a target pattern against the raw requested
// target. An empty request matches only $default — the asymmetry with
// sources is deliberate: a default request expresses "wherever policy
// sends it", and only rules written for that case may claim it.
func (r *Resolver) targetMatches(pattern, requested string) bool {
	isAdmin := requested == ident.KeywordAdminVM || requested == r.admin

	switch pattern {
	case ident.KeywordDefault:
		return requested == ""
	case ident.KeywordAnyVM:
		return requested != "" && !isAdmin
	case ident.KeywordAdminVM:
		return isAdmin
	default:
		if requested == "" {
			return false
		}
		// A literal pattern naming the management domain also
		// matches a request addressed as @adminvm.
		if pattern == r.admin && isAdmin {
			return true
		}
		return pattern == requested
	}
}
