/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// LoadTrustCertificates reads the PEM encoded certificates of files for every
// server name.
func LoadTrustCertificates(files map[string][]string) (map[string][]*x509.Certificate, error) {
	result := make(map[string][]*x509.Certificate, len(files))
	for serverName, fns := range files {
		for _, fn := range fns {
			certs, err := loadCertificates(fn)
			if err != nil {
				return nil, fmt.Errorf("failed to load trust certificates for %s: %w", serverName, err)
			}
			result[serverName] = append(result[serverName], certs...)
		}
	}
	return result, nil
}

func loadCertificates(fn string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, parseErr := x509.ParseCertificate(block.Bytes)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid certificate in %s: %w", fn, parseErr)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", fn)
	}

	return certs, nil
}

// GenerateCertificate creates a self signed certificate for serverName and
// saves it, along with the private key, to fn in PEM format.
func GenerateCertificate(fn string, serverName string, validity time.Duration) (*x509.Certificate, error) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	// Create a random 64 bit number
	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(64), nil).Sub(max, big.NewInt(1))
	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(nil, template, template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	privKeyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privKeyDER,
	})

	tmpFn := filepath.Join(filepath.Dir(fn), "."+filepath.Base(fn)+".tmp")
	f, err := os.OpenFile(tmpFn, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	_, err = f.Write(certPEM)
	if err == nil {
		_, err = f.Write(privKeyPEM)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpFn)
		return nil, err
	}

	if err = os.Rename(tmpFn, fn); err != nil {
		os.Remove(tmpFn)
		return nil, err
	}

	return x509.ParseCertificate(certDER)
}
