/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"
)

var (
	errNoTrustCertificates = errors.New("no trust certificates")
	errNoStartTLS          = errors.New("remote server does not support STARTTLS")
	errTransportClosed     = errors.New("transport is closed")
)

// smtpTransport is a pool of SMTP client connections to one remote endpoint.
// TLS via STARTTLS is required for every connection.
type smtpTransport struct {
	params    *TransportParameters
	tlsConfig *tls.Config
	logger    logrus.FieldLogger

	dialer         Dialer
	dialTimeout    time.Duration
	commandTimeout time.Duration

	slots chan struct{}

	mutex  sync.Mutex
	idle   []*pooledClient
	closed bool
}

type pooledClient struct {
	conn     net.Conn
	client   *smtp.Client
	lastUsed time.Time
}

func newSMTPTransport(params *TransportParameters, dialer Dialer, dialTimeout, commandTimeout time.Duration, logger logrus.FieldLogger) (*smtpTransport, error) {
	roots, err := trustAnchors(params.TrustCertificates)
	if err != nil {
		return nil, err
	}
	if params.PoolMaxSize == 0 {
		return nil, fmt.Errorf("invalid pool max size: %d", params.PoolMaxSize)
	}

	return &smtpTransport{
		params: params,
		tlsConfig: &tls.Config{
			ServerName: params.ServerName,
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		},
		logger: logger.WithFields(logrus.Fields{
			"relay_target": params.RelayTarget,
			"port":         params.Port,
		}),

		dialer:         dialer,
		dialTimeout:    dialTimeout,
		commandTimeout: commandTimeout,

		slots: make(chan struct{}, params.PoolMaxSize),
	}, nil
}

func trustAnchors(certs []*x509.Certificate) (*x509.CertPool, error) {
	if len(certs) == 0 {
		return nil, errNoTrustCertificates
	}
	pool := x509.NewCertPool()
	for i, cert := range certs {
		if cert == nil || len(cert.Raw) == 0 {
			return nil, fmt.Errorf("trust certificate %d has no DER data", i)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

func (t *smtpTransport) Send(ctx context.Context, envelope *Envelope, body []byte) error {
	select {
	case t.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-t.slots
	}()

	pc, err := t.get(ctx)
	if err != nil {
		return err
	}

	err = pc.send(envelope, body, t.commandTimeout)
	if err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) && pc.reset(t.commandTimeout) == nil {
			// Rejected by the server but the session is still usable.
			t.put(pc)
		} else {
			pc.close()
		}
		return err
	}

	t.put(pc)
	return nil
}

func (t *smtpTransport) get(ctx context.Context) (*pooledClient, error) {
	for {
		t.mutex.Lock()
		if t.closed {
			t.mutex.Unlock()
			return nil, errTransportClosed
		}
		n := len(t.idle)
		if n == 0 {
			t.mutex.Unlock()
			break
		}
		pc := t.idle[n-1]
		t.idle = t.idle[:n-1]
		t.mutex.Unlock()

		if err := pc.reset(t.commandTimeout); err != nil {
			t.logger.WithError(err).Debugln("discarding stale smtp connection")
			pc.close()
			continue
		}
		return pc, nil
	}

	return t.dial(ctx)
}

func (t *smtpTransport) put(pc *pooledClient) {
	pc.lastUsed = time.Now()

	var expired []*pooledClient

	t.mutex.Lock()
	if t.closed {
		expired = append(expired, pc)
	} else {
		// Newest at the end, get takes from there.
		t.idle = append(t.idle, pc)
		for len(t.idle) > int(t.params.PoolMaxSize) ||
			(len(t.idle) > int(t.params.PoolMinIdle) && time.Since(t.idle[0].lastUsed) > t.params.PoolIdleTimeout) {
			expired = append(expired, t.idle[0])
			t.idle = t.idle[1:]
		}
	}
	t.mutex.Unlock()

	for _, idle := range expired {
		idle.quit()
	}
}

func (t *smtpTransport) dial(ctx context.Context) (*pooledClient, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, t.dialTimeout)
	defer dialCancel()

	conn, err := t.dialer.DialContext(dialCtx, "tcp", t.params.Address())
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(t.commandTimeout))

	c, err := smtp.NewClient(conn, t.params.ServerName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err = c.Hello(t.params.HelloName); err != nil {
		c.Close()
		return nil, err
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		c.Close()
		return nil, errNoStartTLS
	}
	if err = c.StartTLS(t.tlsConfig); err != nil {
		c.Close()
		return nil, fmt.Errorf("starttls failed: %w", err)
	}

	t.logger.Debugln("smtp connection established")

	return &pooledClient{
		conn:     conn,
		client:   c,
		lastUsed: time.Now(),
	}, nil
}

// Close quits all idle connections. Connections in use are closed when
// they are returned.
func (t *smtpTransport) Close() error {
	t.mutex.Lock()
	idle := t.idle
	t.idle = nil
	t.closed = true
	t.mutex.Unlock()

	for _, pc := range idle {
		pc.quit()
	}
	return nil
}

func (pc *pooledClient) send(envelope *Envelope, body []byte, timeout time.Duration) error {
	pc.conn.SetDeadline(time.Now().Add(timeout))

	if err := pc.client.Mail(envelope.From, nil); err != nil {
		return err
	}
	for _, to := range envelope.To {
		if err := pc.client.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := pc.client.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(body); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (pc *pooledClient) reset(timeout time.Duration) error {
	pc.conn.SetDeadline(time.Now().Add(timeout))
	return pc.client.Reset()
}

func (pc *pooledClient) quit() {
	pc.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := pc.client.Quit(); err != nil {
		pc.client.Close()
	}
}

func (pc *pooledClient) close() {
	pc.client.Close()
}
