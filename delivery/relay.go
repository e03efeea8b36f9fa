/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"errors"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

// smtpRelay delivers over SMTP to the exchanges of one domain, or to one fixed
// address when forwarding to an IP.
type smtpRelay struct {
	engine *Engine

	// domain is resolved via MX and used as TLS server name. Empty for
	// fixed targets.
	domain string
	// target is dialed directly when domain is empty.
	target string
	port   uint16
}

func (e *Engine) relay(domain string) Transport {
	return &smtpRelay{
		engine: e,
		domain: domain,
		port:   e.config.RemotePort,
	}
}

func (e *Engine) direct(target *mail.ForwardTarget) Transport {
	port := target.Port
	if port == 0 {
		port = e.config.RemotePort
	}
	return &smtpRelay{
		engine: e,
		target: target.IP.String(),
		port:   port,
	}
}

func (r *smtpRelay) Deliver(ctx context.Context, mctx *mail.Context, rcpts []*mail.Rcpt, body []byte) {
	logger := r.engine.logger.WithFields(logrus.Fields{
		"message_id": mctx.MessageID(),
		"domain":     r.domain,
		"target":     r.target,
		"rcpts":      len(rcpts),
	})

	err := r.deliver(ctx, logger, mctx, rcpts, body)
	if err != nil && !err.IsPermanent() && ctx.Err() != nil {
		// Interrupted, not a failure of the destination.
		logger.WithError(err).Debugln("smtp delivery cancelled, recipients left unchanged")
		return
	}
	now := r.engine.now()
	for _, rcpt := range rcpts {
		rcpt.Apply(err, now)
	}

	if err != nil {
		logger.WithError(err).WithField("permanent", err.IsPermanent()).Warnln("smtp delivery failed")
	} else {
		logger.Debugln("smtp delivery done")
	}
}

func (r *smtpRelay) deliver(ctx context.Context, logger logrus.FieldLogger, mctx *mail.Context, rcpts []*mail.Rcpt, body []byte) *mail.TransferError {
	var candidates []string
	serverName := r.target
	if r.domain != "" {
		var terr *mail.TransferError
		resolver := r.engine.config.Resolvers.Get(r.domain)
		if candidates, terr = ResolveMX(ctx, resolver, r.domain, logger); terr != nil {
			return terr
		}
		serverName = r.domain
	} else {
		candidates = []string{r.target}
	}

	helloName := r.engine.serverName(mctx)
	certs, ok := r.engine.config.CertificatesFor(helloName)
	if !ok {
		return mail.TLSNoCertificateError(helloName)
	}

	envelope := &Envelope{
		From: mctx.From(),
		To:   make([]string, 0, len(rcpts)),
	}
	for _, rcpt := range rcpts {
		envelope.To = append(envelope.To, rcpt.Address.String())
	}

	for _, candidate := range candidates {
		params := &TransportParameters{
			RelayTarget:       candidate,
			ServerName:        serverName,
			HelloName:         helloName,
			PoolIdleTimeout:   r.engine.config.PoolIdleTimeout,
			PoolMaxSize:       r.engine.config.PoolMaxSize,
			PoolMinIdle:       r.engine.config.PoolMinIdle,
			Port:              r.port,
			TrustCertificates: certs,
		}

		response, err := r.engine.sender.Send(ctx, params, envelope, body)
		if err == nil {
			logger.WithFields(logrus.Fields{
				"relay_target": response.RelayTarget,
				"duration":     response.Duration,
			}).Infoln("message relayed")
			return nil
		}

		terr := classifySendError(err)
		if terr.IsPermanent() || ctx.Err() != nil {
			return terr
		}
		logger.WithError(err).WithField("relay_target", candidate).Debugln("relay target failed, trying next")
	}

	return mail.DeliveryExhaustedError(candidates)
}

// classifySendError maps an error from the sender to a transfer error. Only
// replies of the remote server carry a code.
func classifySendError(err error) *mail.TransferError {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return mail.SMTPError(smtpErr.Code, smtpErr.Message)
	}
	return &mail.TransferError{
		Kind:    mail.ErrSMTP,
		Message: err.Error(),
	}
}
