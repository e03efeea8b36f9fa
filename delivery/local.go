/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// localUser is the system account a local recipient maps to.
type localUser struct {
	name string
	home string
	uid  int
	gid  int
}

func lookupLocalUser(lookup func(string) (*user.User, error), name string) (*localUser, error) {
	u, err := lookup(name)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q for user %s: %w", u.Uid, name, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q for user %s: %w", u.Gid, name, err)
	}
	return &localUser{
		name: u.Username,
		home: u.HomeDir,
		uid:  uid,
		gid:  gid,
	}, nil
}

// localDelivery runs deliverFunc for every recipient on its own. Failures are
// transient.
type localDelivery struct {
	engine  *Engine
	method  string
	deliver func(mctx *mail.Context, u *localUser, body []byte) error
}

func (l *localDelivery) Deliver(ctx context.Context, mctx *mail.Context, rcpts []*mail.Rcpt, body []byte) {
	for _, rcpt := range rcpts {
		logger := l.engine.logger.WithFields(logrus.Fields{
			"message_id": mctx.MessageID(),
			"rcpt":       rcpt.String(),
			"method":     l.method,
		})

		var terr *mail.TransferError
		u, err := lookupLocalUser(l.engine.config.LookupUser, rcpt.Address.LocalPart)
		if err == nil {
			err = l.deliver(mctx, u, body)
		}
		if err != nil {
			terr = mail.LocalDeliveryError(err)
			logger.WithError(err).Warnln("local delivery failed")
		} else {
			logger.Infoln("message delivered locally")
		}
		rcpt.Apply(terr, l.engine.now())
	}
}

// mkdirOwned creates path owned by u unless it exists.
func mkdirOwned(path string, u *localUser) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.Mkdir(path, 0700); err != nil && !os.IsExist(err) {
		return err
	}
	return os.Chown(path, u.uid, u.gid)
}
