/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/queue"
)

func newTestCertificate(t *testing.T, name string) *x509.Certificate {
	_, cert := newTestKeyPair(t, name)
	return cert
}

// newTestKeyPair creates a self-signed certificate for name usable both as
// server certificate and as trust anchor.
func newTestKeyPair(t *testing.T, name string) (tls.Certificate, *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		DNSNames:              []string{name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        cert,
	}, cert
}

// fakeNetwork records sends of fake transports and answers with the error
// configured for the relay target.
type fakeNetwork struct {
	mutex   sync.Mutex
	replies map[string]error
	sends   []string
	builds  []*TransportParameters
}

func (n *fakeNetwork) build(params *TransportParameters) (transport, error) {
	n.mutex.Lock()
	n.builds = append(n.builds, params)
	n.mutex.Unlock()
	return &fakeTransport{network: n, target: params.RelayTarget}, nil
}

func (n *fakeNetwork) sent() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.sends...)
}

type fakeTransport struct {
	network *fakeNetwork
	target  string
}

func (t *fakeTransport) Send(ctx context.Context, envelope *Envelope, body []byte) error {
	t.network.mutex.Lock()
	defer t.network.mutex.Unlock()
	t.network.sends = append(t.network.sends, t.target)
	return t.network.replies[t.target]
}

func (t *fakeTransport) Close() error {
	return nil
}

func newFakeSender(network *fakeNetwork) *Sender {
	return &Sender{
		logger:     newTestLogger(),
		build:      network.build,
		transports: cmap.New(),
	}
}

func newTestStore(t *testing.T) *queue.BoltStore {
	store, err := queue.OpenBoltStore(filepath.Join(t.TempDir(), "queue.db"), newTestLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTestConfig(t *testing.T, resolver Resolver) *Config {
	return &Config{
		Logger:     newTestLogger(),
		ServerName: "mx.example.org",
		TrustCertificates: map[string][]*x509.Certificate{
			"mx.example.org": {newTestCertificate(t, "mx.example.org")},
		},
		Resolvers: NewResolvers(resolver),
	}
}

func newTestEngine(t *testing.T, config *Config, sender *Sender) (*Engine, *queue.BoltStore) {
	store := newTestStore(t)
	engine, err := NewEngine(config, store, sender, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine, store
}

func newTestMessage(rcpts ...*mail.Rcpt) *mail.Context {
	from := mail.MustParseAddress("sender@example.org")
	return mail.NewContext(mail.ConnectInfo{
		Timestamp:  time.Now(),
		ClientAddr: "192.0.2.1:40000",
		ServerName: "mx.example.org",
	}, mail.Envelope{
		Helo: "client.example.org",
		From: &from,
	}, rcpts)
}

var testBody = []byte("Subject: test\r\n\r\nFrom here on\r\nbody\r\n")
