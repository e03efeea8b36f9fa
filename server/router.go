/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"fmt"

	"github.com/emersion/go-smtp"

	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/server/smtp/dagent"
)

var _ dagent.Router = (*Server)(nil)

func (server *Server) Mail(from string, opts smtp.MailOptions) error {
	return nil
}

// GetRoute returns the transfer method for rcpt.
func (server *Server) GetRoute(rcpt mail.Address) (mail.TransferMethod, error) {
	if _, local := server.localDomains[rcpt.Domain]; local {
		if server.config.LocalTransfer.Kind == "" {
			return mail.TransferMethod{}, fmt.Errorf("no local transfer configured for %s", rcpt.Domain)
		}
		return server.config.LocalTransfer, nil
	}
	if server.config.Relay != nil {
		return mail.Forward(*server.config.Relay), nil
	}
	return mail.Deliver(), nil
}

// Enqueue stores an accepted message and queues it for delivery.
func (server *Server) Enqueue(ctx context.Context, mctx *mail.Context, body []byte) error {
	if err := server.engine.Enqueue(ctx, mctx, body); err != nil {
		return err
	}

	select {
	case server.incomingCh <- mctx.MessageID():
	case <-ctx.Done():
		// Stays deliverable and is picked up on next start.
		server.logger.WithField("message_id", mctx.MessageID()).Warnln("shutting down, message left queued")
	}
	return nil
}
