/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Address is a parsed RFC 5321 mailbox, local-part@domain.
type Address struct {
	LocalPart string
	Domain    string
}

// ParseAddress parses s into an Address. The domain is lower cased and
// converted to its ASCII (punycode) form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")

	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Address{}, fmt.Errorf("invalid address: %q", s)
	}

	domain, err := NormalizeDomain(s[at+1:])
	if err != nil {
		return Address{}, fmt.Errorf("invalid address domain: %w", err)
	}

	return Address{
		LocalPart: s[:at],
		Domain:    domain,
	}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// NormalizeDomain returns the lower case ASCII form of a domain name.
func NormalizeDomain(domain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.LocalPart + "@" + a.Domain
}

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool {
	return a.LocalPart == "" && a.Domain == ""
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Address) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}
