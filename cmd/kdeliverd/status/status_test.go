/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"stash.kopano.io/kgol/kdeliver/server"
)

func testStatus() *server.Status {
	started := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)
	return &server.Status{
		Version:    "1.0.0",
		ServerName: "mx.example.org",
		Started:    &started,
		Queues: map[string]int{
			"deferred": 2,
			"dead":     1,
		},
		Placements: map[string]uint64{
			"removed": 10,
		},
		Transports: 3,
	}
}

func TestOutputPretty(t *testing.T) {
	var buf bytes.Buffer
	if err := outputPretty(&buf, testStatus()); err != nil {
		t.Fatalf("render failed: %v", err)
	}
	out := buf.String()
	for _, expected := range []string{"mx.example.org", "deferred: 2", "removed: 10", "never"} {
		if !strings.Contains(out, expected) {
			t.Errorf("expected %q in output:\n%s", expected, out)
		}
	}
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := outputJSON(&buf, testStatus()); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded["server_name"] != "mx.example.org" || decoded["transports"].(float64) != 3 {
		t.Errorf("unexpected json: %s", buf.String())
	}
}

func TestSummary(t *testing.T) {
	status := testStatus()
	status.InFlight = 2
	swept := status.Started.Add(time.Minute)
	status.LastSweep = &swept

	line := summary(status, swept.Add(90*time.Second+300*time.Millisecond))
	expected := "working 0, deliverable 0, deferred 2, dead 1, in flight 2, transports 3, sessions 0, swept 1m30s ago"
	if line != expected {
		t.Errorf("unexpected summary:\n%s\nexpected:\n%s", line, expected)
	}
}

func TestModelWatchKeepsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetched := 0
	m := initialModel(ctx, true, time.Millisecond)
	m.fetch = func() (*server.Status, error) {
		fetched++
		return testStatus(), nil
	}

	msg := m.getStatus()
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("expected follow up fetch in watch mode")
	}
	_, cmd = m.Update(cmd())
	if cmd == nil || fetched != 2 || m.updates != 2 {
		t.Fatalf("expected second poll, fetched %d updates %d", fetched, m.updates)
	}
	if view := m.View(); !strings.Contains(view, "deferred 2") {
		t.Errorf("expected summary in view, got %q", view)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.quitting {
		t.Error("expected quit on q")
	}
}

func TestModelFetchOnce(t *testing.T) {
	m := initialModel(context.Background(), false, time.Second)
	m.fetch = func() (*server.Status, error) {
		return testStatus(), nil
	}

	_, cmd := m.Update(m.getStatus())
	if cmd == nil {
		t.Fatal("expected a command")
	}
	if _, polling := cmd().(statusMsg); polling || m.updates != 1 {
		t.Error("expected program to quit after first status")
	}
	if m.View() != "" {
		t.Error("expected empty view once status is known")
	}
}
