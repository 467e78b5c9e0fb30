// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads daemon configuration. Each daemon reads a
// single file named by its --config flag; there are no fallbacks and
// no automatic discovery, so the effective configuration is always
// auditable from the command line.
//
// The format is JSON with comments and trailing commas allowed, since
// these files are hand-maintained by administrators. Unknown fields
// are rejected: a typoed option that silently does nothing is a
// misconfiguration that looks like a bug somewhere else.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Agent is the domex-agent configuration.
type Agent struct {
	// Domain is this agent's domain name.
	Domain string `json:"domain"`

	// BrokerSocket is the path of the broker's link listener.
	BrokerSocket string `json:"broker_socket"`

	// ClientSocket is the path the agent serves local clients on.
	ClientSocket string `json:"client_socket"`

	// ServiceDirectory holds this domain's service entries.
	ServiceDirectory string `json:"service_directory"`
}

// Broker is the domex-broker configuration.
type Broker struct {
	// Domain is the management domain's name.
	Domain string `json:"domain"`

	// ListenSocket is the path agents dial their links to.
	ListenSocket string `json:"listen_socket"`

	// ServiceDirectory holds the management domain's service entries.
	ServiceDirectory string `json:"service_directory"`

	// PolicyDirectory holds the policy rule files.
	PolicyDirectory string `json:"policy_directory"`

	// Domains maps every known domain name to its numeric ID. The
	// management domain is ID 0.
	Domains map[string]uint32 `json:"domains"`
}

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (Agent, error) {
	var cfg Agent
	if err := load(path, &cfg); err != nil {
		return Agent{}, err
	}
	if cfg.Domain == "" {
		return Agent{}, fmt.Errorf("%s: domain is required", path)
	}
	if cfg.BrokerSocket == "" || cfg.ClientSocket == "" {
		return Agent{}, fmt.Errorf("%s: broker_socket and client_socket are required", path)
	}
	if cfg.ServiceDirectory == "" {
		return Agent{}, fmt.Errorf("%s: service_directory is required", path)
	}
	return cfg, nil
}

// LoadBroker reads and validates a broker configuration file.
func LoadBroker(path string) (Broker, error) {
	var cfg Broker
	if err := load(path, &cfg); err != nil {
		return Broker{}, err
	}
	if cfg.Domain == "" {
		return Broker{}, fmt.Errorf("%s: domain is required", path)
	}
	if cfg.ListenSocket == "" {
		return Broker{}, fmt.Errorf("%s: listen_socket is required", path)
	}
	if cfg.PolicyDirectory == "" {
		return Broker{}, fmt.Errorf("%s: policy_directory is required", path)
	}
	if id, ok := cfg.Domains[cfg.Domain]; !ok || id != 0 {
		return Broker{}, fmt.Errorf("%s: domains must map %q to ID 0", path, cfg.Domain)
	}
	return cfg, nil
}

func load(path string, into any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
