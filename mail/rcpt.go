/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

import (
	"time"
)

// StatusKind is the state of a recipient's transfer.
type StatusKind string

const (
	StatusWaiting  StatusKind = "waiting"
	StatusSent     StatusKind = "sent"
	StatusHeldBack StatusKind = "held_back"
	StatusFailed   StatusKind = "failed"
)

// EmailTransferStatus tracks the outcome of delivering to one recipient.
// Errors is only used while held back and only ever grows; it drives the
// deferred retry schedule.
type EmailTransferStatus struct {
	Kind   StatusKind       `json:"kind" yaml:"kind"`
	Errors []*TransferError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Error  *TransferError   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Rcpt is one envelope recipient with its transfer method and status.
type Rcpt struct {
	Address        Address             `json:"address" yaml:"address"`
	TransferMethod TransferMethod      `json:"transfer_method" yaml:"transfer_method"`
	Status         EmailTransferStatus `json:"status" yaml:"status"`
}

// NewRcpt creates a waiting recipient.
func NewRcpt(address Address, method TransferMethod) *Rcpt {
	return &Rcpt{
		Address:        address,
		TransferMethod: method,
		Status:         EmailTransferStatus{Kind: StatusWaiting},
	}
}

func (r *Rcpt) IsSent() bool     { return r.Status.Kind == StatusSent }
func (r *Rcpt) IsHeldBack() bool { return r.Status.Kind == StatusHeldBack }
func (r *Rcpt) IsFailed() bool   { return r.Status.Kind == StatusFailed }

// Pending reports whether the recipient still needs a delivery attempt.
func (r *Rcpt) Pending() bool {
	if r.TransferMethod.Kind == TransferNone {
		return false
	}
	return r.Status.Kind == StatusWaiting || r.Status.Kind == StatusHeldBack
}

// SetSent marks the recipient as delivered. Failed recipients stay failed.
func (r *Rcpt) SetSent() {
	if r.Status.Kind == StatusFailed {
		return
	}
	r.Status = EmailTransferStatus{Kind: StatusSent}
}

// SetFailed marks the recipient as permanently failed.
func (r *Rcpt) SetFailed(err *TransferError) {
	if r.Status.Kind == StatusSent {
		return
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	r.Status = EmailTransferStatus{Kind: StatusFailed, Error: err}
}

// HeldBack records a transient failure, appending err to the history.
func (r *Rcpt) HeldBack(err *TransferError) {
	switch r.Status.Kind {
	case StatusSent, StatusFailed:
		return
	case StatusHeldBack:
	default:
		r.Status = EmailTransferStatus{Kind: StatusHeldBack}
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	r.Status.Errors = append(r.Status.Errors, err)
}

// Apply sets the outcome of an attempt: nil is success, a permanent error
// fails the recipient and anything else holds it back.
func (r *Rcpt) Apply(err *TransferError, now time.Time) {
	if err == nil {
		r.SetSent()
		return
	}
	e := err.Clone()
	e.Timestamp = now
	if e.IsPermanent() {
		r.SetFailed(e)
	} else {
		r.HeldBack(e)
	}
}

// Requeue puts a failed or held back recipient back to waiting and drops
// its errors. Sent recipients are not changed.
func (r *Rcpt) Requeue() {
	if r.Status.Kind == StatusSent {
		return
	}
	r.Status = EmailTransferStatus{Kind: StatusWaiting}
}

// LastError returns the most recent held back error, or nil.
func (r *Rcpt) LastError() *TransferError {
	if n := len(r.Status.Errors); n > 0 {
		return r.Status.Errors[n-1]
	}
	return nil
}

func (r *Rcpt) String() string {
	return r.Address.String()
}
