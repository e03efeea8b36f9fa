/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"stash.kopano.io/kgol/kdeliver/server"
)

// memRegion is a fixed size in memory region.
type memRegion []byte

func (m memRegion) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func testFrameStatus() *server.Status {
	return &server.Status{
		Version:    "1.0.0",
		ServerName: "mx.example.org",
		Queues:     map[string]int{"deferred": 3},
		InFlight:   2,
	}
}

func TestStatusFrameRoundTrip(t *testing.T) {
	region := make(memRegion, 4096)
	frame, err := newStatusFrame(testFrameStatus(), len(region))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var steps []byte
	if err = frame.writeTo(region, func() error {
		steps = append(steps, region[0])
		return nil
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !bytes.Equal(steps, []byte{0, frameVersion1, frameVersion1}) {
		t.Errorf("expected header to be written after the payload, got %v", steps)
	}

	status, err := readStatusFrame(bytes.NewReader(region), len(region))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if status.ServerName != "mx.example.org" || status.Queues["deferred"] != 3 || status.InFlight != 2 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestStatusFrameRejectsCorruption(t *testing.T) {
	region := make(memRegion, 4096)
	frame, err := newStatusFrame(testFrameStatus(), len(region))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err = frame.writeTo(region, func() error { return nil }); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	region[frameHeaderSize+2] ^= 0xff
	if _, err = readStatusFrame(bytes.NewReader(region), len(region)); err == nil || !strings.Contains(err.Error(), "signature") {
		t.Errorf("expected signature mismatch, got %v", err)
	}

	region[0] = 7
	if _, err = readStatusFrame(bytes.NewReader(region), len(region)); err == nil || !strings.Contains(err.Error(), "version") {
		t.Errorf("expected version error, got %v", err)
	}
}

func TestStatusFrameTooLarge(t *testing.T) {
	if _, err := newStatusFrame(testFrameStatus(), frameHeaderSize+16); !errors.Is(err, errFrameTooLarge) {
		t.Errorf("expected too large error, got %v", err)
	}

	region := make(memRegion, frameHeaderSize+64)
	region[0] = frameVersion1
	region[1] = 0xff
	if _, err := readStatusFrame(bytes.NewReader(region), len(region)); err == nil {
		t.Error("expected error for oversized payload length")
	}
}
