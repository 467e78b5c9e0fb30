// Copyright 2026 The Domex Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"strings"

	"github.com/domex-project/domex/lib/agent"
	"github.com/domex-project/domex/lib/ident"
	"github.com/domex-project/domex/lib/wire"
)

// handleInvoke resolves one invocation and either refuses it or wires
// it up: a splice toward the target agent's link, or a broker-local
// execution when the effective target is the management domain. The
// endpoint was registered by Route before this runs; on refusal it is
// retired here. The source domain comes from the link identity;
// nothing the client sent can spoof it.
func (b *Broker) handleInvoke(src *agentLink, id uint32, ep *endpoint, control wire.Control) {
	logger := b.logger.With(
		"source", src.domain,
		"connection", id,
		"service", control.Service,
		"target", control.Target,
	)
	refuse := func(reason, detail string) {
		src.unregister(id)
		ep.queue.Close()
		b.refuse(src, id, reason, detail)
	}

	service, err := ident.ParseService(control.Service)
	if err != nil {
		logger.Warn("invoke with invalid service descriptor", "error", err)
		refuse(wire.ReasonProtocolViolation, "invalid service descriptor")
		return
	}
	requested := control.Target
	if requested != "" && ident.IsKeyword(requested) && requested != ident.KeywordAdminVM {
		logger.Warn("invoke with unresolvable target keyword")
		refuse(wire.ReasonPolicyDenied, "unresolvable target")
		return
	}

	decision := b.resolver.Resolve(service, src.domain, requested)
	if !decision.Allow {
		logger.Info("invocation denied", "reason", decision.Reason.String())
		// Every denial reads the same to the caller; the reason detail
		// stays coarse so a prober learns nothing about the rule set.
		refuse(wire.ReasonPolicyDenied, "denied by policy")
		return
	}
	logger.Info("invocation allowed", "effective", decision.EffectiveTarget)

	// The preamble target reflects how the caller addressed the
	// service: the keyword word when a keyword was used, otherwise the
	// effective domain name.
	targetType := wire.TargetByName
	preambleTarget := decision.EffectiveTarget
	if requested == ident.KeywordAdminVM {
		targetType = wire.TargetByKeyword
		preambleTarget = strings.TrimPrefix(ident.KeywordAdminVM, "@")
	}

	if decision.EffectiveTarget == b.options.Domain {
		b.runLocal(src, id, ep, service, targetType, preambleTarget)
		return
	}

	dst := b.link(decision.EffectiveTarget)
	if dst == nil {
		logger.Warn("target has no live link", "effective", decision.EffectiveTarget)
		refuse(wire.ReasonTargetUnreachable, "target domain unavailable")
		return
	}

	s := newSplice(b, src, id, ep.queue, dst)
	ep.setAborter(s.abort)
	dstEp := newEndpoint()
	dstEp.queue = s.fromDst
	dstEp.setAborter(s.abort)
	s.dstID = dst.allocate(dstEp)

	exec := wire.Control{
		Type:       wire.TypeExec,
		Service:    control.Service,
		Source:     src.domain,
		TargetType: targetType,
		Target:     preambleTarget,
	}
	if err := dst.lk.SendControl(s.dstID, exec); err != nil {
		logger.Warn("exec delivery failed", "effective", decision.EffectiveTarget, "error", err)
		s.release()
		b.refuse(src, id, wire.ReasonTargetUnreachable, "target domain unavailable")
		return
	}
	s.run()
}

// runLocal executes a management-domain-targeted service in the broker
// process, reusing the agent's spawn and relay machinery on the source
// link directly. No splice: the broker is both router and target.
func (b *Broker) runLocal(src *agentLink, id uint32, ep *endpoint, service ident.Service, targetType, preambleTarget string) {
	logger := b.logger.With("source", src.domain, "connection", id, "service", service.FullName())

	conn := agent.NewConn(service, src.domain)
	conn.ID = id
	conn.Inbound = ep.queue
	ep.setAborter(func(reason, detail string) { conn.Abort() })
	defer src.unregister(id)

	conn.SetState(agent.StateSpawning)
	running, err := b.executor.Start(b.ctx, agent.Invocation{
		Service:    service,
		Source:     src.domain,
		TargetType: targetType,
		Target:     preambleTarget,
	})
	if err != nil {
		logger.Warn("service spawn failed", "error", err)
		conn.SetState(agent.StateRejected)
		ep.queue.Close()
		b.refuse(src, id, wire.ReasonSpawnFailed, "service unavailable")
		return
	}
	// From here the abort path (link loss, protocol violation) must
	// also kill the instance, or it would outlive its only consumer.
	ep.setAborter(func(reason, detail string) {
		running.Kill()
		conn.Abort()
	})
	if err := src.lk.SendControl(id, wire.Control{Type: wire.TypeAccepted}); err != nil {
		logger.Warn("accept delivery failed", "error", err)
		running.Kill()
		ep.queue.Close()
		return
	}
	agent.Relay(b.ctx, src.lk, conn, running, logger)
}

// refuse sends a best-effort refusal on a source link.
func (b *Broker) refuse(src *agentLink, id uint32, reason, detail string) {
	control := wire.Control{Type: wire.TypeRefused, Reason: reason, Detail: detail}
	if err := src.lk.SendControl(id, control); err != nil {
		b.logger.Debug("refusal delivery failed",
			"domain", src.domain,
			"connection", id,
			"error", err,
		)
	}
}
