/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a transfer error.
type ErrorKind string

const (
	ErrDNSRecord         ErrorKind = "dns_record"
	ErrHasNullMX         ErrorKind = "null_mx"
	ErrTLSNoCertificate  ErrorKind = "tls_no_certificate"
	ErrSMTP              ErrorKind = "smtp"
	ErrDeliveryExhausted ErrorKind = "delivery_exhausted"
	ErrLocalDelivery     ErrorKind = "local_delivery"
	ErrRetryExhausted    ErrorKind = "retry_exhausted"
	ErrNoTransport       ErrorKind = "no_transport"
)

// TransferError is the error recorded on a recipient for one failed delivery
// attempt.
type TransferError struct {
	Kind      ErrorKind `json:"kind" yaml:"kind"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	Domain  string   `json:"domain,omitempty" yaml:"domain,omitempty"`
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	Code    int      `json:"code,omitempty" yaml:"code,omitempty"`
}

var _ error = (*TransferError)(nil)

func (e *TransferError) Error() string {
	switch e.Kind {
	case ErrDNSRecord:
		return "dns record error: " + e.Message
	case ErrHasNullMX:
		return fmt.Sprintf("domain %s has a null mx record and does not accept mail", e.Domain)
	case ErrTLSNoCertificate:
		return "no trust certificate configured for " + e.Domain
	case ErrSMTP:
		if e.Code != 0 {
			return fmt.Sprintf("smtp error %d: %s", e.Code, e.Message)
		}
		return "smtp error: " + e.Message
	case ErrDeliveryExhausted:
		return "no candidate reachable: " + strings.Join(e.Targets, ", ")
	case ErrLocalDelivery:
		return "local delivery error: " + e.Message
	case ErrRetryExhausted:
		return "deferred retry limit reached: " + e.Message
	case ErrNoTransport:
		return "recipient has no transfer method"
	default:
		return string(e.Kind) + ": " + e.Message
	}
}

// IsPermanent reports whether retrying can never succeed.
func (e *TransferError) IsPermanent() bool {
	switch e.Kind {
	case ErrHasNullMX, ErrTLSNoCertificate, ErrRetryExhausted, ErrNoTransport:
		return true
	case ErrSMTP:
		return e.Code >= 500
	default:
		return false
	}
}

// Clone returns a deep copy of e.
func (e *TransferError) Clone() *TransferError {
	if e == nil {
		return nil
	}
	c := *e
	if e.Targets != nil {
		c.Targets = append([]string(nil), e.Targets...)
	}
	return &c
}

func DNSRecordError(err error) *TransferError {
	return &TransferError{Kind: ErrDNSRecord, Message: err.Error()}
}

func NullMXError(domain string) *TransferError {
	return &TransferError{Kind: ErrHasNullMX, Domain: domain}
}

func TLSNoCertificateError(serverName string) *TransferError {
	return &TransferError{Kind: ErrTLSNoCertificate, Domain: serverName}
}

func SMTPError(code int, message string) *TransferError {
	return &TransferError{Kind: ErrSMTP, Code: code, Message: message}
}

func DeliveryExhaustedError(targets []string) *TransferError {
	return &TransferError{Kind: ErrDeliveryExhausted, Targets: append([]string(nil), targets...)}
}

func LocalDeliveryError(err error) *TransferError {
	return &TransferError{Kind: ErrLocalDelivery, Message: err.Error()}
}

func RetryExhaustedError(count int, last *TransferError) *TransferError {
	message := fmt.Sprintf("%d errors", count)
	if last != nil {
		message += ", last: " + last.Error()
	}
	return &TransferError{Kind: ErrRetryExhausted, Message: message}
}

func NoTransportError() *TransferError {
	return &TransferError{Kind: ErrNoTransport}
}
