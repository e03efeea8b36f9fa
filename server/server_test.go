/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"stash.kopano.io/kgol/kdeliver/delivery"
	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/queue"
)

func newTestServer(t *testing.T, modify func(c *Config)) *Server {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	statePath := t.TempDir()
	certFn := filepath.Join(statePath, "trust.pem")
	if _, err := GenerateCertificate(certFn, "mx.example.org", time.Hour); err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}

	c := &Config{
		Logger:              logger,
		StatePath:           statePath,
		DAgentListenAddress: "127.0.0.1:0",
		ServerName:          "mx.example.org",
		LocalDomains:        []string{"local.example"},
		LocalTransfer:       mail.Maildir(),
		TrustCertificateFiles: map[string][]string{
			"mx.example.org": {certFn},
		},
		Delivery: &delivery.Config{},
	}
	if modify != nil {
		modify(c)
	}

	srv, err := NewServer(c)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(func() {
		srv.store.Close()
	})
	return srv
}

func TestGetRoute(t *testing.T) {
	srv := newTestServer(t, nil)

	method, err := srv.GetRoute(mail.MustParseAddress("alice@local.example"))
	if err != nil || method.Kind != mail.TransferMaildir {
		t.Errorf("expected maildir for local domain, got %v (%v)", method, err)
	}
	method, err = srv.GetRoute(mail.MustParseAddress("bob@remote.example"))
	if err != nil || method.Kind != mail.TransferDeliver {
		t.Errorf("expected deliver for remote domain, got %v (%v)", method, err)
	}
}

func TestGetRouteRelay(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		target, err := mail.ParseForwardTarget("192.0.2.25:2525")
		if err != nil {
			t.Fatalf("invalid target: %v", err)
		}
		c.Relay = &target
	})

	method, err := srv.GetRoute(mail.MustParseAddress("bob@remote.example"))
	if err != nil || method.Kind != mail.TransferForward || method.Target.Port != 2525 {
		t.Errorf("expected forward to relay, got %v (%v)", method, err)
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t, nil)

	mctx := mail.NewContext(mail.ConnectInfo{ServerName: "mx.example.org"}, mail.Envelope{}, []*mail.Rcpt{
		mail.NewRcpt(mail.MustParseAddress("bob@remote.example"), mail.Deliver()),
	})
	if err := srv.Enqueue(ctx, mctx, []byte("body")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	select {
	case id := <-srv.incomingCh:
		if id != mctx.MessageID() {
			t.Errorf("unexpected id: %s", id)
		}
	default:
		t.Fatal("expected message id on incoming channel")
	}
	if _, err := srv.store.GetContext(ctx, queue.Deliverable, mctx.MessageID()); err != nil {
		t.Fatalf("expected message in deliverable queue: %v", err)
	}

	status, err := srv.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Queues["deliverable"] != 1 || status.ServerName != "mx.example.org" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestStatusOutcomes(t *testing.T) {
	srv := newTestServer(t, nil)

	srv.status.addOutcome(&delivery.Outcome{Placement: mail.PlacementDeferred})
	srv.status.addOutcome(&delivery.Outcome{Placement: mail.PlacementDeferred})
	srv.status.setSwept(time.Now())

	status, err := srv.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Placements["deferred"] != 2 || status.LastSweep == nil {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestLoadTrustCertificates(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "cert.pem")
	generated, err := GenerateCertificate(fn, "relay.example.org", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}

	certs, err := LoadTrustCertificates(map[string][]string{"relay.example.org": {fn, fn}})
	if err != nil {
		t.Fatalf("failed to load certificates: %v", err)
	}
	if len(certs["relay.example.org"]) != 2 || !certs["relay.example.org"][0].Equal(generated) {
		t.Fatalf("unexpected certificates: %v", certs)
	}

	empty := filepath.Join(dir, "empty.pem")
	if err = ioutil.WriteFile(empty, []byte("nothing"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err = LoadTrustCertificates(map[string][]string{"x": {empty}}); err == nil {
		t.Fatal("expected error for file without certificates")
	}
}

func TestDeliverIncomingAlreadyHandled(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	srv := newTestServer(t, func(c *Config) {
		c.Logger = logger
	})
	hook.Reset()

	id := uuid.New().String()
	srv.deliverIncoming(context.Background(), id)

	entries := hook.AllEntries()
	if len(entries) == 0 {
		t.Fatal("expected a log entry")
	}
	for _, entry := range entries {
		if entry.Level <= logrus.WarnLevel {
			t.Errorf("unexpected %s entry: %s", entry.Level, entry.Message)
		}
	}
	if last := hook.LastEntry(); last.Data["message_id"] != id {
		t.Errorf("unexpected entry fields: %v", last.Data)
	}
}
