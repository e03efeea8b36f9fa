/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/delivery"
	"stash.kopano.io/kgol/kdeliver/mail"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	StatePath string

	DAgentListenAddress  string
	DAgentLMTP           bool
	MetricsListenAddress string

	// ServerName is the name messages are received on.
	ServerName string

	// LocalDomains are transferred with LocalTransfer, everything else is
	// delivered via MX or sent to Relay when set.
	LocalDomains  []string
	LocalTransfer mail.TransferMethod
	Relay         *mail.ForwardTarget

	// TrustCertificateFiles lists PEM files per server name.
	TrustCertificateFiles map[string][]string

	Delivery *delivery.Config
}
