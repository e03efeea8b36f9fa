/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// TransportParameters describe how to reach one remote SMTP endpoint. They
// are the key of the connection pool and must not be changed once built.
//
// Equality is structural over all fields, including the order of the trust
// certificates: the same certificates in a different order give a distinct
// key and thus a distinct pooled transport.
type TransportParameters struct {
	RelayTarget string
	ServerName  string
	HelloName   string

	PoolIdleTimeout time.Duration
	PoolMaxSize     uint32
	PoolMinIdle     uint32

	Port uint16

	TrustCertificates []*x509.Certificate
}

// Key returns the pool key of p.
func (p *TransportParameters) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q|%q|%q|%d|%d|%d|%d", p.RelayTarget, p.ServerName, p.HelloName, p.PoolIdleTimeout, p.PoolMaxSize, p.PoolMinIdle, p.Port)
	for _, cert := range p.TrustCertificates {
		sum := sha256.Sum256(cert.Raw)
		b.WriteByte('|')
		b.WriteString(hex.EncodeToString(sum[:]))
	}
	return b.String()
}

// Equal reports whether p and o select the same pooled transport.
func (p *TransportParameters) Equal(o *TransportParameters) bool {
	return p.Key() == o.Key()
}

// Clone returns a copy of p which does not share the certificate slice.
func (p *TransportParameters) Clone() *TransportParameters {
	c := *p
	c.TrustCertificates = append([]*x509.Certificate(nil), p.TrustCertificates...)
	return &c
}

// Address returns the host:port to dial.
func (p *TransportParameters) Address() string {
	return net.JoinHostPort(p.RelayTarget, strconv.Itoa(int(p.Port)))
}
