// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines the identity and service types shared across
// Domex: domain identities (VMs and the management domain), the policy
// keywords that stand for sets of domains, and service descriptors
// (name plus optional argument).
package ident

import (
	"fmt"
	"strings"
)

// Policy keywords. These appear in rule patterns and in client target
// fields; they are never valid domain names.
const (
	// KeywordAnyVM matches any VM identity. It never matches the
	// management domain, in either source or target position — the
	// management domain must not become reachable through a
	// VM-authored $anyvm rule.
	KeywordAnyVM = "$anyvm"

	// KeywordAdminVM matches only the management domain.
	KeywordAdminVM = "@adminvm"

	// KeywordDefault matches, in target position, a request that
	// named no explicit target. A rule matching $default needs an
	// override target to direct the invocation anywhere.
	KeywordDefault = "$default"
)

// IsKeyword reports whether name is a policy keyword rather than a
// literal domain name.
func IsKeyword(name string) bool {
	return strings.HasPrefix(name, "$") || strings.HasPrefix(name, "@")
}

// Domain identifies a virtual machine or the management domain: an
// opaque name/ID pair. Identities are immutable once a connection
// references them.
type Domain struct {
	// Name is the administrator-assigned domain name (e.g., "work").
	Name string

	// ID is the hypervisor-assigned numeric identity. The management
	// domain is always ID 0.
	ID uint32
}

// IsAdmin reports whether this is the management domain.
func (d Domain) IsAdmin() bool {
	return d.ID == 0
}

// String returns the domain name.
func (d Domain) String() string {
	return d.Name
}

// maxServiceLength bounds the encoded service descriptor
// (name + "+" + argument). The limit keeps the descriptor inside a
// single control frame and matches what target-side service directory
// entries can reasonably encode in a file name.
const maxServiceLength = 64

// Service is a service descriptor: a dotted service name plus an
// optional argument (the part after "+"). Two descriptors are the same
// service invocation iff both fields are equal.
type Service struct {
	Name     string
	Argument string
}

// ParseService splits "name" or "name+argument" into a Service and
// validates it. The argument may be empty ("name+" parses the same as
// "name").
func ParseService(s string) (Service, error) {
	name, argument, _ := strings.Cut(s, "+")
	service := Service{Name: name, Argument: argument}
	if err := service.Validate(); err != nil {
		return Service{}, err
	}
	return service, nil
}

// Validate checks the descriptor against the character and length
// rules. Service names are dotted identifiers; arguments allow any
// byte except NUL, space, and "/" (they appear in file names and in
// the NUL-terminated socket preamble).
func (s Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("empty service name")
	}
	if len(s.Name)+1+len(s.Argument) > maxServiceLength {
		return fmt.Errorf("service descriptor %q exceeds %d bytes", s.FullName(), maxServiceLength)
	}
	for _, r := range s.Name {
		if !isServiceNameRune(r) {
			return fmt.Errorf("invalid character %q in service name %q", r, s.Name)
		}
	}
	for _, r := range s.Argument {
		if !isArgumentRune(r) {
			return fmt.Errorf("invalid character %q in service argument %q", r, s.Argument)
		}
	}
	return nil
}

// FullName renders the descriptor the way a client writes it:
// "name+argument", or just "name" when the argument is empty.
func (s Service) FullName() string {
	if s.Argument == "" {
		return s.Name
	}
	return s.Name + "+" + s.Argument
}

// WireName renders the descriptor for the socket preamble: the "+"
// separator is always present, so "name+" denotes an argument-less
// call. This keeps the preamble unambiguous for the receiving peer.
func (s Service) WireName() string {
	return s.Name + "+" + s.Argument
}

// String returns FullName.
func (s Service) String() string {
	return s.FullName()
}

func isServiceNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}

func isArgumentRune(r rune) bool {
	return r > 0x20 && r < 0x7f && r != '/'
}
