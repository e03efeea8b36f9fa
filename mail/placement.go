/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

// Placement is the queue decision derived from the recipients of a message.
type Placement int

const (
	// PlacementRemoved means every recipient was sent.
	PlacementRemoved Placement = iota
	// PlacementDeferred means at least one recipient awaits a retry.
	PlacementDeferred
	// PlacementDead means at least one recipient can never be delivered.
	PlacementDead
)

func (p Placement) String() string {
	switch p {
	case PlacementRemoved:
		return "removed"
	case PlacementDeferred:
		return "deferred"
	case PlacementDead:
		return "dead"
	default:
		return "unknown"
	}
}

// DerivePlacement computes where a message belongs after a delivery pass.
// Dead wins over deferred, deferred wins over removal.
func DerivePlacement(rcpts []*Rcpt) Placement {
	placement := PlacementRemoved
	for _, rcpt := range rcpts {
		if rcpt.IsFailed() || rcpt.TransferMethod.Kind == TransferNone {
			return PlacementDead
		}
		if !rcpt.IsSent() {
			placement = PlacementDeferred
		}
	}
	return placement
}
