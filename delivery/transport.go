/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// Transport delivers a message to a group of recipients which share one
// destination. It records the outcome on every recipient it was given.
type Transport interface {
	Deliver(ctx context.Context, mctx *mail.Context, rcpts []*mail.Rcpt, body []byte)
}

type group struct {
	key       string
	transport Transport
	rcpts     []*mail.Rcpt
}

// groups partitions the pending recipients of rcpts by destination, keeping
// first seen order.
func (e *Engine) groups(rcpts []*mail.Rcpt) []*group {
	var result []*group
	index := make(map[string]*group)

	for _, rcpt := range rcpts {
		if !rcpt.Pending() {
			continue
		}

		var key string
		var t Transport
		method := rcpt.TransferMethod
		switch method.Kind {
		case mail.TransferDeliver:
			key = "deliver:" + rcpt.Address.Domain
			t = e.relay(rcpt.Address.Domain)
		case mail.TransferForward:
			if method.Target == nil {
				rcpt.Apply(mail.NoTransportError(), e.now())
				continue
			}
			key = "forward:" + method.Target.String()
			if method.Target.IsDomain() {
				t = e.relay(method.Target.Domain)
			} else {
				t = e.direct(method.Target)
			}
		case mail.TransferMailbox:
			key = "mailbox"
			t = e.mailbox
		case mail.TransferMaildir:
			key = "maildir"
			t = e.maildir
		default:
			continue
		}

		g, ok := index[key]
		if !ok {
			g = &group{
				key:       key,
				transport: t,
			}
			index[key] = g
			result = append(result, g)
		}
		g.rcpts = append(g.rcpts, rcpt)
	}

	return result
}
