/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"
)

// Envelope is the SMTP envelope for one send.
type Envelope struct {
	From string
	To   []string
}

// Response describes a successful send.
type Response struct {
	RelayTarget string
	Duration    time.Duration
}

type transport interface {
	Send(ctx context.Context, envelope *Envelope, body []byte) error
	Close() error
}

type buildFunc func(params *TransportParameters) (transport, error)

// Sender is the connection pool. It keeps one pooled transport for every
// distinct TransportParameters key it was asked to send with. Entries are
// never evicted.
type Sender struct {
	logger logrus.FieldLogger

	build      buildFunc
	transports cmap.ConcurrentMap
}

// NewSender creates a Sender which dials with the dialer and timeouts of
// config.
func NewSender(config *Config) *Sender {
	logger := config.Logger.WithFields(logrus.Fields{
		"scope": "sender",
	})

	s := &Sender{
		logger:     logger,
		transports: cmap.New(),
	}
	s.build = func(params *TransportParameters) (transport, error) {
		return newSMTPTransport(params, config.Dialer, config.DialTimeout, config.CommandTimeout, logger)
	}

	return s
}

// Send delivers body with envelope using the pooled transport for params,
// building that transport on first use.
func (s *Sender) Send(ctx context.Context, params *TransportParameters, envelope *Envelope, body []byte) (*Response, error) {
	t, err := s.transport(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err = t.Send(ctx, envelope, body); err != nil {
		return nil, err
	}
	duration := time.Since(start)
	metricSendDuration.Observe(duration.Seconds())

	return &Response{
		RelayTarget: params.RelayTarget,
		Duration:    duration,
	}, nil
}

func (s *Sender) transport(params *TransportParameters) (transport, error) {
	key := params.Key()
	if t, ok := s.transports.Get(key); ok {
		return t.(transport), nil
	}

	s.logger.WithFields(logrus.Fields{
		"relay_target": params.RelayTarget,
		"server_name":  params.ServerName,
		"port":         params.Port,
	}).Debugln("creating transport")

	built, err := s.build(params.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to build transport for %s: %w", params.RelayTarget, err)
	}
	metricPoolBuilds.Inc()

	if s.transports.SetIfAbsent(key, built) {
		metricPoolTransports.Inc()
	} else {
		// Lost a race against another build for the same key.
		built.Close()
	}

	t, _ := s.transports.Get(key)
	return t.(transport), nil
}

// Count returns the number of pooled transports.
func (s *Sender) Count() int {
	return s.transports.Count()
}

// Close closes all pooled transports.
func (s *Sender) Close() error {
	for item := range s.transports.IterBuffered() {
		if err := item.Val.(transport).Close(); err != nil {
			s.logger.WithError(err).WithField("key", item.Key).Debugln("failed to close transport")
		}
	}
	return nil
}
