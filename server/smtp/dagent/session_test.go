/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"errors"
	"io/ioutil"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

type testRouter struct {
	mutex    sync.Mutex
	accepted []*mail.Context
	bodies   [][]byte
	fail     bool
}

func (r *testRouter) Mail(from string, opts smtp.MailOptions) error {
	return nil
}

func (r *testRouter) GetRoute(rcpt mail.Address) (mail.TransferMethod, error) {
	switch rcpt.Domain {
	case "local.example":
		return mail.Maildir(), nil
	case "blocked.example":
		return mail.TransferMethod{}, errors.New("blocked")
	default:
		return mail.Deliver(), nil
	}
}

func (r *testRouter) Enqueue(ctx context.Context, mctx *mail.Context, body []byte) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.fail {
		return errors.New("store unavailable")
	}
	r.accepted = append(r.accepted, mctx)
	r.bodies = append(r.bodies, body)
	return nil
}

func startTestDAgent(t *testing.T, router Router) (*DAgent, string) {
	logger := logrus.New()
	logger.Out = ioutil.Discard

	da, err := New(&Config{
		Logger:     logger,
		Router:     router,
		ServerName: "mx.example.org",

		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 1024 * 1024,
		MaxRecipients:   10,
	})
	if err != nil {
		t.Fatalf("failed to create dagent: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go da.Serve(listener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		da.Shutdown(ctx)
	})

	return da, listener.Addr().String()
}

func sendTestMail(addr, from string, to []string, body string) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err = c.Hello("client.example.org"); err != nil {
		return err
	}
	if err = c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err = c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write([]byte(body)); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestSessionEnqueuesRoutedMessage(t *testing.T) {
	router := &testRouter{}
	_, addr := startTestDAgent(t, router)

	err := sendTestMail(addr, "sender@example.org", []string{"alice@local.example", "bob@Remote.Example"}, "Subject: hi\r\n\r\nhello\r\n")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	router.mutex.Lock()
	defer router.mutex.Unlock()
	if len(router.accepted) != 1 {
		t.Fatalf("expected one accepted message, got %d", len(router.accepted))
	}
	mctx := router.accepted[0]
	if mctx.From() != "sender@example.org" || mctx.Envelope.Helo != "client.example.org" {
		t.Errorf("unexpected envelope: %+v", mctx.Envelope)
	}
	if mctx.Connect.ServerName != "mx.example.org" || mctx.Connect.ClientAddr == "" {
		t.Errorf("unexpected connect info: %+v", mctx.Connect)
	}
	if len(mctx.Rcpts) != 2 {
		t.Fatalf("expected two recipients, got %d", len(mctx.Rcpts))
	}
	if mctx.Rcpts[0].TransferMethod.Kind != mail.TransferMaildir {
		t.Errorf("local recipient must use maildir, got %s", mctx.Rcpts[0].TransferMethod)
	}
	if mctx.Rcpts[1].TransferMethod.Kind != mail.TransferDeliver || mctx.Rcpts[1].Address.Domain != "remote.example" {
		t.Errorf("unexpected remote recipient: %+v", mctx.Rcpts[1])
	}
	if !strings.Contains(string(router.bodies[0]), "hello") {
		t.Errorf("unexpected body: %q", router.bodies[0])
	}
}

func TestSessionRejectsUnroutableRecipient(t *testing.T) {
	router := &testRouter{}
	_, addr := startTestDAgent(t, router)

	err := sendTestMail(addr, "sender@example.org", []string{"bob@blocked.example"}, "Subject: hi\r\n\r\nhello\r\n")
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != ErrRequestedActioNotTaken.Code {
		t.Fatalf("expected 553 reply, got %v", err)
	}
}

func TestSessionEnqueueFailure(t *testing.T) {
	router := &testRouter{fail: true}
	_, addr := startTestDAgent(t, router)

	err := sendTestMail(addr, "", []string{"bob@remote.example"}, "Subject: hi\r\n\r\nhello\r\n")
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != ErrLocalErrorInProcessingError.Code {
		t.Fatalf("expected 451 reply, got %v", err)
	}
}

func TestSessionRejectsInvalidRecipient(t *testing.T) {
	router := &testRouter{}
	_, addr := startTestDAgent(t, router)

	for _, rcpt := range []string{"postmaster", "bob@"} {
		err := sendTestMail(addr, "sender@example.org", []string{rcpt}, "Subject: hi\r\n\r\nhello\r\n")
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code != ErrRequestedActioNotTaken.Code {
			t.Errorf("%s: expected 553 reply, got %v", rcpt, err)
		}
	}
	if len(router.accepted) != 0 {
		t.Errorf("expected nothing accepted, got %d", len(router.accepted))
	}
}
