/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"

	"github.com/mjl-/adns"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// Resolver looks up mail exchangers. *adns.Resolver implements it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
}

var _ Resolver = (*adns.Resolver)(nil)

// Resolvers selects the resolver for a destination domain, falling back to a
// default resolver.
type Resolvers struct {
	Default Resolver
	Domains map[string]Resolver
}

// NewResolvers creates Resolvers with fallback as default. A nil fallback
// uses the adns default resolver.
func NewResolvers(fallback Resolver) *Resolvers {
	if fallback == nil {
		fallback = adns.DefaultResolver
	}
	return &Resolvers{
		Default: fallback,
		Domains: make(map[string]Resolver),
	}
}

// Get returns the resolver for domain.
func (r *Resolvers) Get(domain string) Resolver {
	if resolver, ok := r.Domains[domain]; ok {
		return resolver
	}
	return r.Default
}

func isNotFound(err error) bool {
	var adnsErr *adns.DNSError
	if errors.As(err, &adnsErr) {
		return adnsErr.IsNotFound
	}
	var netErr *net.DNSError
	if errors.As(err, &netErr) {
		return netErr.IsNotFound
	}
	return false
}

// ResolveMX returns the exchange hosts for domain ordered by ascending
// preference, keeping resolver order for equal preferences.
//
// A domain without MX records is its own single exchange (RFC 5321 5.1). A
// single "." record is a null MX (RFC 7505), reported as a permanent
// ErrHasNullMX transfer error. Other lookup failures give a transient
// ErrDNSRecord transfer error.
func ResolveMX(ctx context.Context, resolver Resolver, domain string, logger logrus.FieldLogger) ([]string, *mail.TransferError) {
	records, result, err := resolver.LookupMX(ctx, domain+".")
	if err != nil && len(records) == 0 {
		if !isNotFound(err) {
			return nil, mail.DNSRecordError(err)
		}
		records = nil
	} else if err != nil {
		logger.WithError(err).WithField("domain", domain).Infoln("mx lookup returned some invalid records, using the valid ones")
	}

	logger.WithFields(logrus.Fields{
		"domain":    domain,
		"records":   len(records),
		"authentic": result.Authentic,
	}).Debugln("mx lookup done")

	if len(records) == 0 {
		logger.WithField("domain", domain).Warnln("no mx records found, using domain as exchange")
		return []string{domain}, nil
	}

	if len(records) == 1 && records[0].Host == "." {
		logger.WithField("domain", domain).Errorln("null mx record found, domain does not accept mail")
		return nil, mail.NullMXError(domain)
	}

	sorted := make([]*net.MX, 0, len(records))
	for _, mx := range records {
		if mx.Host == "." || mx.Host == "" {
			logger.WithField("domain", domain).Warnln("ignoring null mx record next to other records")
			continue
		}
		sorted = append(sorted, mx)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Pref < sorted[j].Pref
	})

	hosts := make([]string, 0, len(sorted))
	for _, mx := range sorted {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	if len(hosts) == 0 {
		return nil, mail.NullMXError(domain)
	}
	return hosts, nil
}
