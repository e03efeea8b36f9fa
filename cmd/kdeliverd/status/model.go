/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"

	"stash.kopano.io/kgol/kdeliver/internal/ipc"
	"stash.kopano.io/kgol/kdeliver/queue"
	"stash.kopano.io/kgol/kdeliver/server"
)

type errMsg error

type statusMsg *server.Status

type fetchFunc func() (*server.Status, error)

type model struct {
	ctx   context.Context
	fetch fetchFunc

	spinner spinner.Model

	// watch keeps polling every interval until the user quits.
	watch    bool
	interval time.Duration
	updates  int

	quitting bool

	status *server.Status
	err    error
}

func initialModel(ctx context.Context, watch bool, interval time.Duration) *model {
	s := spinner.NewModel()
	s.HideFor = time.Second
	s.Spinner = spinner.Line
	return &model{
		ctx:   ctx,
		fetch: ipc.GetStatus,

		spinner: s,

		watch:    watch,
		interval: interval,
	}
}

func (m *model) getStatus() tea.Msg {
	var err error
	var s *server.Status

	count := 0
	for {
		s, err = m.fetch()
		if err == nil {
			break
		}

		if count >= 3 {
			return errMsg(err)
		}
		log.Println(err.Error())

		select {
		case <-m.ctx.Done():
			return errMsg(m.ctx.Err())
		case <-time.After(1 * time.Second):
		}

		count++
	}

	return statusMsg(s)
}

// nextStatus waits one interval, then fetches again.
func (m *model) nextStatus() tea.Msg {
	select {
	case <-m.ctx.Done():
		return errMsg(m.ctx.Err())
	case <-time.After(m.interval):
	}
	return m.getStatus()
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(
		spinner.Tick,
		m.getStatus,
	)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		default:
			return m, nil
		}

	case errMsg:
		m.err = msg
		return m, tea.Quit

	case statusMsg:
		m.status = msg
		m.updates++
		if !m.watch {
			return m, tea.Quit
		}
		return m, m.nextStatus

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	default:
		return m, nil
	}
}

func (m *model) View() string {
	if m.err != nil {
		// We do not display any errors here.
		return ""
	}
	if m.status != nil && !m.watch {
		// Printed after the program ends.
		return ""
	}

	var str string

	s := termenv.String(m.spinner.View()).String()
	if m.status == nil {
		str = fmt.Sprintf("%s Fetching kdeliverd status ...", s)
	} else {
		str = fmt.Sprintf("%s %s (q to quit)", s, summary(m.status, time.Now()))
	}

	if m.quitting {
		return str + "\n"
	}
	return str
}

// summary renders the delivery state of status as one line.
func summary(status *server.Status, now time.Time) string {
	var b strings.Builder
	for _, id := range queue.All {
		fmt.Fprintf(&b, "%s %d, ", id, status.Queues[id.String()])
	}
	fmt.Fprintf(&b, "in flight %d, transports %d, sessions %d", status.InFlight, status.Transports, status.Sessions)
	if status.LastSweep != nil {
		fmt.Fprintf(&b, ", swept %s ago", now.Sub(*status.LastSweep).Truncate(time.Second))
	}
	return b.String()
}
