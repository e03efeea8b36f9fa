/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"fmt"
	"os"
	"path/filepath"

	"stash.kopano.io/kgol/kdeliver/mail"
)

func (e *Engine) newMaildir() Transport {
	return &localDelivery{
		engine:  e,
		method:  string(mail.TransferMaildir),
		deliver: writeMaildir,
	}
}

// writeMaildir stores body as <message id>.eml in the new folder of the
// Maildir in the home of u.
func writeMaildir(mctx *mail.Context, u *localUser, body []byte) error {
	maildir := filepath.Join(u.home, "Maildir")
	if err := mkdirOwned(maildir, u); err != nil {
		return fmt.Errorf("failed to create maildir: %w", err)
	}
	dir := filepath.Join(maildir, "new")
	if err := mkdirOwned(dir, u); err != nil {
		return fmt.Errorf("failed to create maildir: %w", err)
	}

	path := filepath.Join(dir, mctx.MessageID()+".eml")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create message file: %w", err)
	}
	if _, err = f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write message file: %w", err)
	}
	if err = f.Chown(u.uid, u.gid); err != nil {
		f.Close()
		return fmt.Errorf("failed to chown message file: %w", err)
	}
	return f.Close()
}
