/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/kdeliver/server"
)

var (
	DefaultCertServerName = ""
	DefaultCertOut        = "certificate.pem"
	DefaultCertValidity   = 365 * 24 * time.Hour
)

func CommandCert() *cobra.Command {
	certCmd := &cobra.Command{
		Use:   "cert [...args]",
		Short: "Generate a self signed certificate, for example for a test relay",
		Run: func(cmd *cobra.Command, args []string) {
			if err := cert(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	certCmd.Flags().StringVar(&DefaultCertServerName, "server-name", DefaultCertServerName, "Server name of the certificate")
	certCmd.Flags().StringVar(&DefaultCertOut, "out", DefaultCertOut, "Path of the PEM file to write certificate and key to")
	certCmd.Flags().DurationVar(&DefaultCertValidity, "validity", DefaultCertValidity, "Validity of the certificate")

	return certCmd
}

func cert(cmd *cobra.Command, args []string) error {
	if DefaultCertServerName == "" {
		return fmt.Errorf("server-name must not be empty")
	}

	certificate, err := server.GenerateCertificate(DefaultCertOut, DefaultCertServerName, DefaultCertValidity)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	fmt.Printf("%s valid until %s written to %s\n", certificate.Subject.CommonName, certificate.NotAfter.Format(time.RFC3339), DefaultCertOut)
	return nil
}
