/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"crypto/x509"
	"sync"
	"testing"
	"time"
)

func testParams(t *testing.T) *TransportParameters {
	return &TransportParameters{
		RelayTarget:       "mx1.example.net",
		ServerName:        "example.net",
		HelloName:         "mx.example.org",
		PoolIdleTimeout:   time.Minute,
		PoolMaxSize:       3,
		PoolMinIdle:       1,
		Port:              25,
		TrustCertificates: nil,
	}
}

func TestSenderBuildsOncePerKey(t *testing.T) {
	network := &fakeNetwork{}
	sender := newFakeSender(network)
	params := testParams(t)
	envelope := &Envelope{From: "a@example.org", To: []string{"b@example.net"}}

	for i := 0; i < 3; i++ {
		response, err := sender.Send(context.Background(), params, envelope, testBody)
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if response.RelayTarget != "mx1.example.net" {
			t.Errorf("unexpected relay target: %s", response.RelayTarget)
		}
	}
	if len(network.builds) != 1 {
		t.Fatalf("expected one build, got %d", len(network.builds))
	}
	if sender.Count() != 1 {
		t.Fatalf("expected one pooled transport, got %d", sender.Count())
	}

	other := testParams(t)
	other.Port = 2525
	if _, err := sender.Send(context.Background(), other, envelope, testBody); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(network.builds) != 2 || sender.Count() != 2 {
		t.Fatalf("expected a second transport, got %d builds and %d pooled", len(network.builds), sender.Count())
	}
}

func TestSenderConcurrentKeepsOneTransport(t *testing.T) {
	network := &fakeNetwork{}
	sender := newFakeSender(network)
	envelope := &Envelope{From: "a@example.org", To: []string{"b@example.net"}}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sender.Send(context.Background(), testParams(t), envelope, testBody); err != nil {
				t.Errorf("send failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if sender.Count() != 1 {
		t.Fatalf("expected one pooled transport, got %d", sender.Count())
	}
	if len(network.sent()) != 16 {
		t.Fatalf("expected 16 sends, got %d", len(network.sent()))
	}
}

func TestTransportParametersKey(t *testing.T) {
	a := newTestCertificate(t, "a.example")
	b := newTestCertificate(t, "b.example")

	p1 := testParams(t)
	p1.TrustCertificates = append(p1.TrustCertificates, a, b)
	p2 := p1.Clone()
	if !p1.Equal(p2) {
		t.Fatal("clone must be equal")
	}

	p3 := p1.Clone()
	p3.TrustCertificates[0], p3.TrustCertificates[1] = b, a
	if p1.Equal(p3) {
		t.Fatal("certificate order must be part of the key")
	}
	if p1.TrustCertificates[0] != a {
		t.Fatal("clone must not share the certificate slice")
	}

	p4 := p1.Clone()
	p4.HelloName = "other.example.org"
	if p1.Equal(p4) {
		t.Fatal("hello name must be part of the key")
	}
}

func TestNewSMTPTransportNeedsTrustAnchors(t *testing.T) {
	if _, err := newSMTPTransport(testParams(t), nil, time.Second, time.Second, newTestLogger()); err != errNoTrustCertificates {
		t.Fatalf("expected missing trust certificates error, got %v", err)
	}
}

func TestTrustAnchors(t *testing.T) {
	anchor := newTestCertificate(t, "mx1.example.net")
	pool, err := trustAnchors([]*x509.Certificate{anchor})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err = anchor.Verify(x509.VerifyOptions{Roots: pool, DNSName: "mx1.example.net"}); err != nil {
		t.Errorf("anchor must verify against its pool: %v", err)
	}

	if _, err = trustAnchors([]*x509.Certificate{anchor, {}}); err == nil {
		t.Error("expected error for certificate without DER data")
	}
}
