/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sys/unix"

	"stash.kopano.io/kgol/kdeliver/mail"
)

const mailboxLockAttempts = 10

var errMailboxLocked = errors.New("mailbox is locked")

func (e *Engine) newMailbox() Transport {
	return &localDelivery{
		engine: e,
		method: string(mail.TransferMailbox),
		deliver: func(mctx *mail.Context, u *localUser, body []byte) error {
			return appendMailbox(filepath.Join(e.config.MailboxDir, u.name), mctx, u, body)
		},
	}
}

// appendMailbox appends body to the mbox file at path in mboxrd format while
// holding an exclusive lock on it.
func appendMailbox(path string, mctx *mail.Context, u *localUser, body []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open mailbox: %w", err)
	}
	defer f.Close()

	if err = lockMailbox(f); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if err = f.Chown(u.uid, u.gid); err != nil {
		return fmt.Errorf("failed to chown mailbox: %w", err)
	}

	w := bufio.NewWriter(f)
	writeMboxEntry(w, mctx, body)
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to write mailbox: %w", err)
	}
	return f.Sync()
}

func lockMailbox(f *os.File) error {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	for b.Attempt() < mailboxLockAttempts {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("failed to lock mailbox: %w", err)
		}
		time.Sleep(b.Duration())
	}
	return errMailboxLocked
}

// writeMboxEntry writes the "From " separator line, the body with line
// endings normalized and From lines quoted, and a trailing empty line.
func writeMboxEntry(w *bufio.Writer, mctx *mail.Context, body []byte) {
	from := mctx.From()
	if from == "" {
		from = "MAILER-DAEMON"
	}
	received := mctx.Received
	if received.IsZero() {
		received = time.Now()
	}
	fmt.Fprintf(w, "From %s %s\n", from, received.UTC().Format(time.ANSIC))

	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	for len(body) > 0 {
		line := body
		if i := bytes.IndexByte(body, '\n'); i >= 0 {
			line = body[:i]
			body = body[i+1:]
		} else {
			body = nil
		}
		if bytes.HasPrefix(bytes.TrimLeft(line, ">"), []byte("From ")) {
			w.WriteByte('>')
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	w.WriteByte('\n')
}
