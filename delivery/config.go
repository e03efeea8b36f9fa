/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"os/user"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Defaults for delivery settings.
const (
	DefaultRemotePort          = 25
	DefaultPoolIdleTimeout     = 60 * time.Second
	DefaultPoolMaxSize         = 3
	DefaultPoolMinIdle         = 1
	DefaultDialTimeout         = 30 * time.Second
	DefaultCommandTimeout      = 5 * time.Minute
	DefaultDeferredRetryPeriod = 5 * time.Minute
	DefaultDeferredRetryMax    = 100
	DefaultMailboxDir          = "/var/mail"
	DefaultDomainConcurrency   = 8
)

// Dialer opens network connections to remote mail exchangers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config bundles delivery configuration settings.
type Config struct {
	Logger logrus.FieldLogger `validate:"required"`

	// ServerName is used as greeting name when a message carries no server
	// name of its own.
	ServerName string `validate:"required"`

	// TrustCertificates holds the trust anchors for outgoing TLS per server
	// name the message was received on.
	TrustCertificates map[string][]*x509.Certificate

	Resolvers *Resolvers
	Dialer    Dialer

	RemotePort      uint16        `validate:"required"`
	PoolIdleTimeout time.Duration `validate:"gt=0"`
	PoolMaxSize     uint32        `validate:"gt=0"`
	PoolMinIdle     uint32        `validate:"ltefield=PoolMaxSize"`
	DialTimeout     time.Duration `validate:"gt=0"`
	CommandTimeout  time.Duration `validate:"gt=0"`

	DeferredRetryPeriod time.Duration `validate:"gt=0"`
	DeferredRetryMax    int           `validate:"gt=0"`

	MailboxDir        string `validate:"required"`
	DomainConcurrency int    `validate:"gt=0"`

	// LookupUser resolves a local part to a system user for local delivery.
	LookupUser func(name string) (*user.User, error)
}

// ApplyDefaults fills every unset setting with its default.
func (c *Config) ApplyDefaults() {
	if c.RemotePort == 0 {
		c.RemotePort = DefaultRemotePort
	}
	if c.PoolIdleTimeout == 0 {
		c.PoolIdleTimeout = DefaultPoolIdleTimeout
	}
	if c.PoolMaxSize == 0 {
		c.PoolMaxSize = DefaultPoolMaxSize
		if c.PoolMinIdle == 0 {
			c.PoolMinIdle = DefaultPoolMinIdle
		}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DeferredRetryPeriod == 0 {
		c.DeferredRetryPeriod = DefaultDeferredRetryPeriod
	}
	if c.DeferredRetryMax == 0 {
		c.DeferredRetryMax = DefaultDeferredRetryMax
	}
	if c.MailboxDir == "" {
		c.MailboxDir = DefaultMailboxDir
	}
	if c.DomainConcurrency == 0 {
		c.DomainConcurrency = DefaultDomainConcurrency
	}
	if c.Resolvers == nil {
		c.Resolvers = NewResolvers(nil)
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.LookupUser == nil {
		c.LookupUser = user.Lookup
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid delivery config: %w", err)
	}
	return nil
}

// CertificatesFor returns the trust certificates configured for serverName.
func (c *Config) CertificatesFor(serverName string) ([]*x509.Certificate, bool) {
	certs, ok := c.TrustCertificates[serverName]
	if !ok || len(certs) == 0 {
		return nil, false
	}
	return certs, true
}
