/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"stash.kopano.io/kgol/kdeliver/server"
)

// Status frame layout, little endian:
//
//	0      1 byte version
//	1      4 byte payload length
//	128    JSON payload
//	128+n  32 byte payload sha256 signature
const (
	frameHeaderSize = 128
	frameVersion1   = uint8(1)
)

var errFrameTooLarge = errors.New("status does not fit into shared memory")

type statusFrame struct {
	payload   []byte
	signature [sha256.Size]byte
}

func newStatusFrame(status *server.Status, size int) (*statusFrame, error) {
	payload, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	if frameHeaderSize+len(payload)+sha256.Size > size {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(payload))
	}
	return &statusFrame{
		payload:   payload,
		signature: sha256.Sum256(payload),
	}, nil
}

func (f *statusFrame) header() []byte {
	header := make([]byte, 5)
	header[0] = frameVersion1
	binary.LittleEndian.PutUint32(header[1:], uint32(len(f.payload)))
	return header
}

// writeTo writes payload, header and signature in that order, calling flush
// after each step. Readers see a mismatching signature until the last step
// is done.
func (f *statusFrame) writeTo(w io.WriterAt, flush func() error) error {
	steps := []struct {
		name string
		data []byte
		off  int64
	}{
		{"payload", f.payload, frameHeaderSize},
		{"header", f.header(), 0},
		{"signature", f.signature[:], frameHeaderSize + int64(len(f.payload))},
	}
	for _, step := range steps {
		n, err := w.WriteAt(step.data, step.off)
		if err == nil && n != len(step.data) {
			err = io.ErrShortWrite
		}
		if err != nil {
			return fmt.Errorf("failed to write status %s: %w", step.name, err)
		}
		if err = flush(); err != nil {
			return fmt.Errorf("failed to flush status %s: %w", step.name, err)
		}
	}
	return nil
}

// readStatusFrame reads and verifies a frame of at most size bytes.
func readStatusFrame(r io.ReaderAt, size int) (*server.Status, error) {
	header := make([]byte, 5)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}
	if header[0] != frameVersion1 {
		return nil, fmt.Errorf("unknown status header version: %v", header[0])
	}

	payloadSize := int64(binary.LittleEndian.Uint32(header[1:]))
	if frameHeaderSize+payloadSize+sha256.Size > int64(size) {
		return nil, fmt.Errorf("invalid payload size: %d", payloadSize)
	}

	data := make([]byte, payloadSize+sha256.Size)
	if _, err := r.ReadAt(data, frameHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read status payload: %w", err)
	}
	payload, signature := data[:payloadSize], data[payloadSize:]

	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], signature) {
		return nil, errors.New("status signature mismatch")
	}

	status := &server.Status{}
	if err := json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}
