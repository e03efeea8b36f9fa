/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransferKind selects the transport strategy used for a recipient.
type TransferKind string

const (
	TransferDeliver TransferKind = "deliver"
	TransferForward TransferKind = "forward"
	TransferMailbox TransferKind = "mailbox"
	TransferMaildir TransferKind = "maildir"
	TransferNone    TransferKind = "none"
)

// ForwardTarget is the destination of a forward transfer. Exactly one of
// Domain or IP is set. Port is only set for socket targets.
type ForwardTarget struct {
	Domain string `json:"domain,omitempty" yaml:"domain,omitempty"`
	IP     net.IP `json:"ip,omitempty" yaml:"ip,omitempty"`
	Port   uint16 `json:"port,omitempty" yaml:"port,omitempty"`
}

// ParseForwardTarget parses a domain, an IP address or an ip:port socket.
func ParseForwardTarget(s string) (ForwardTarget, error) {
	s = strings.TrimSpace(s)
	if ip := net.ParseIP(s); ip != nil {
		return ForwardTarget{IP: ip}, nil
	}
	if host, port, err := net.SplitHostPort(s); err == nil {
		ip := net.ParseIP(host)
		if ip == nil {
			return ForwardTarget{}, fmt.Errorf("forward socket needs an ip address: %q", s)
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return ForwardTarget{}, fmt.Errorf("invalid forward port: %q", s)
		}
		return ForwardTarget{IP: ip, Port: uint16(p)}, nil
	}
	domain, err := NormalizeDomain(s)
	if err != nil {
		return ForwardTarget{}, fmt.Errorf("invalid forward target: %w", err)
	}
	return ForwardTarget{Domain: domain}, nil
}

// IsDomain reports whether the target requires MX resolution.
func (t ForwardTarget) IsDomain() bool {
	return t.Domain != ""
}

func (t ForwardTarget) String() string {
	switch {
	case t.Domain != "":
		return t.Domain
	case t.Port != 0:
		return net.JoinHostPort(t.IP.String(), strconv.Itoa(int(t.Port)))
	default:
		return t.IP.String()
	}
}

// TransferMethod is the per recipient transport decision made by the policy
// stage before delivery.
type TransferMethod struct {
	Kind   TransferKind   `json:"kind" yaml:"kind"`
	Target *ForwardTarget `json:"target,omitempty" yaml:"target,omitempty"`
}

func Deliver() TransferMethod { return TransferMethod{Kind: TransferDeliver} }
func Mailbox() TransferMethod { return TransferMethod{Kind: TransferMailbox} }
func Maildir() TransferMethod { return TransferMethod{Kind: TransferMaildir} }
func None() TransferMethod    { return TransferMethod{Kind: TransferNone} }

func Forward(target ForwardTarget) TransferMethod {
	return TransferMethod{Kind: TransferForward, Target: &target}
}

// ParseTransferMethod parses the textual form produced by String.
func ParseTransferMethod(s string) (TransferMethod, error) {
	kind, arg, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch TransferKind(kind) {
	case TransferDeliver, TransferMailbox, TransferMaildir, TransferNone:
		if arg != "" {
			return TransferMethod{}, fmt.Errorf("transfer method %s takes no argument", kind)
		}
		return TransferMethod{Kind: TransferKind(kind)}, nil
	case TransferForward:
		target, err := ParseForwardTarget(arg)
		if err != nil {
			return TransferMethod{}, err
		}
		return Forward(target), nil
	default:
		return TransferMethod{}, fmt.Errorf("unknown transfer method: %q", s)
	}
}

func (m TransferMethod) String() string {
	if m.Kind == TransferForward && m.Target != nil {
		return string(m.Kind) + ":" + m.Target.String()
	}
	return string(m.Kind)
}
