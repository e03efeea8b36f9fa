/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"stash.kopano.io/kgol/kdeliver/delivery"
)

type Status struct {
	sync.RWMutex

	Version    string `json:"version"`
	ServerName string `json:"server_name"`

	DAgentListenAddress string     `json:"dagent_listen"`
	Started             *time.Time `json:"started"`
	LastSweep           *time.Time `json:"last_sweep"`

	Queues     map[string]int    `json:"queues"`
	Placements map[string]uint64 `json:"placements"`
	Transports int               `json:"transports"`
	InFlight   int               `json:"in_flight"`
	Sessions   int               `json:"sessions"`
}

func (status *Status) Copy() (*Status, error) {
	status.RLock()
	defer status.RUnlock()

	s := &Status{}
	err := copier.CopyWithOption(s, status, copier.Option{
		IgnoreEmpty: true,
		DeepCopy:    true,
	})

	return s, err
}

func (status *Status) setSwept(when time.Time) {
	status.Lock()
	defer status.Unlock()
	status.LastSweep = &when
}

func (status *Status) addOutcome(outcome *delivery.Outcome) {
	status.Lock()
	defer status.Unlock()
	if status.Placements == nil {
		status.Placements = make(map[string]uint64)
	}
	status.Placements[outcome.Placement.String()]++
}

// Status returns a snapshot of the server status.
func (server *Server) Status() (*Status, error) {
	status, err := server.status.Copy()
	if err != nil {
		return nil, err
	}

	counts, err := server.store.Counts()
	if err != nil {
		return nil, err
	}
	status.Queues = make(map[string]int, len(counts))
	for id, count := range counts {
		status.Queues[id.String()] = count
	}
	status.Transports = server.engine.Sender().Count()
	status.InFlight = server.engine.InFlight()
	status.Sessions = server.DAgent.Sessions()

	return status, nil
}
