/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package queue

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

func newTestStore(t *testing.T) *BoltStore {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "queue.db"), logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestContext() *mail.Context {
	from := mail.MustParseAddress("sender@example.org")
	return mail.NewContext(mail.ConnectInfo{ServerName: "mx.example.org"}, mail.Envelope{
		Helo: "client.example.org",
		From: &from,
	}, []*mail.Rcpt{
		mail.NewRcpt(mail.MustParseAddress("rcpt@example.net"), mail.Deliver()),
		mail.NewRcpt(mail.MustParseAddress("other@example.net"), mail.Forward(mail.ForwardTarget{Domain: "relay.example.com"})),
	})
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mctx := newTestContext()

	if err := store.WriteBoth(ctx, Deliverable, mctx, []byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ids, err := store.List(ctx, Deliverable)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != mctx.MessageID() {
		t.Fatalf("unexpected ids: %v", ids)
	}

	got, err := store.GetContext(ctx, Deliverable, mctx.MessageID())
	if err != nil {
		t.Fatalf("get context failed: %v", err)
	}
	if got.ID != mctx.ID || got.From() != "sender@example.org" || len(got.Rcpts) != 2 {
		t.Errorf("context mismatch: %+v", got)
	}
	if got.Rcpts[1].TransferMethod.String() != "forward:relay.example.com" {
		t.Errorf("transfer method mismatch: %s", got.Rcpts[1].TransferMethod)
	}

	body, err := store.GetBody(ctx, mctx.MessageID())
	if err != nil {
		t.Fatalf("get body failed: %v", err)
	}
	if string(body) != "Subject: hi\r\n\r\nbody\r\n" {
		t.Errorf("body mismatch: %q", body)
	}
}

func TestBoltStoreMoveKeepsOneCopy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mctx := newTestContext()

	if err := store.WriteBoth(ctx, Deliverable, mctx, []byte("body")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := store.Move(ctx, Deliverable, Deferred, mctx); err != nil {
		t.Fatalf("move failed: %v", err)
	}

	if _, err := store.GetContext(ctx, Deliverable, mctx.MessageID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found in deliverable, got %v", err)
	}
	if _, err := store.GetContext(ctx, Deferred, mctx.MessageID()); err != nil {
		t.Errorf("expected message in deferred: %v", err)
	}

	counts, err := store.Counts()
	if err != nil {
		t.Fatalf("counts failed: %v", err)
	}
	if counts[Deferred] != 1 || counts[Deliverable] != 0 {
		t.Errorf("unexpected counts: %v", counts)
	}

	if err := store.Move(ctx, Deliverable, Dead, mctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected move of missing message to fail with not found, got %v", err)
	}
}

func TestBoltStoreRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mctx := newTestContext()

	if err := store.WriteBoth(ctx, Deferred, mctx, []byte("body")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := store.Remove(ctx, Deferred, mctx.MessageID()); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	for _, id := range All {
		ids, err := store.List(ctx, id)
		if err != nil {
			t.Fatalf("list %s failed: %v", id, err)
		}
		if len(ids) != 0 {
			t.Errorf("queue %s not empty: %v", id, ids)
		}
	}
	if _, err := store.GetBody(ctx, mctx.MessageID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected body to be removed, got %v", err)
	}
}
