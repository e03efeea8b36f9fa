/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"

	"github.com/emersion/go-smtp"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// Router decides how recipients are transferred and takes over accepted
// messages.
type Router interface {
	Mail(from string, opts smtp.MailOptions) error
	GetRoute(rcpt mail.Address) (mail.TransferMethod, error)
	Enqueue(ctx context.Context, mctx *mail.Context, body []byte) error
}
