/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package queue

import (
	"context"
	"errors"
	"fmt"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// ID names one of the persistent queues.
type ID string

const (
	Working     ID = "working"
	Deliverable ID = "deliverable"
	Deferred    ID = "deferred"
	Dead        ID = "dead"
)

// All lists every queue in processing order.
var All = []ID{Working, Deliverable, Deferred, Dead}

// ParseID parses a queue name.
func ParseID(s string) (ID, error) {
	for _, id := range All {
		if string(id) == s {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown queue: %q", s)
}

func (id ID) String() string {
	return string(id)
}

// ErrNotFound is returned when a message is not in the requested queue.
var ErrNotFound = errors.New("message not found in queue")

// Store is the persistent queue storage used by the delivery engine. A message
// is in at most one queue at any time as observed by readers after a write,
// move or remove returns.
type Store interface {
	// List returns the message identifiers currently in queue.
	List(ctx context.Context, queue ID) ([]string, error)
	// GetContext reads the context of message id from queue.
	GetContext(ctx context.Context, queue ID, id string) (*mail.Context, error)
	// GetBody reads the body of message id.
	GetBody(ctx context.Context, id string) ([]byte, error)
	// WriteContext stores mctx in queue, replacing an existing copy there.
	WriteContext(ctx context.Context, queue ID, mctx *mail.Context) error
	// WriteBoth stores the context in queue together with the body.
	WriteBoth(ctx context.Context, queue ID, mctx *mail.Context, body []byte) error
	// Move writes mctx to the to queue and removes it from the from queue.
	Move(ctx context.Context, from, to ID, mctx *mail.Context) error
	// Remove deletes the context from queue and the body.
	Remove(ctx context.Context, queue ID, id string) error
}
