/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dagent

import (
	"context"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
)

type Session struct {
	ctx context.Context
	id  string

	router   Router
	logger   logrus.FieldLogger
	onLogout SessionCb

	connect mail.ConnectInfo
	helo    string

	from  *mail.Address
	opts  *smtp.MailOptions
	rcpts []*mail.Rcpt
	// rcptTo keeps the recipients as given, LMTP status is reported per value.
	rcptTo []string
}

type SessionCb func(session *Session)

func NewSession(ctx context.Context, sessionID string, serverName string, state *smtp.ConnectionState, router Router, logger logrus.FieldLogger, onLogout SessionCb) (*Session, error) {
	s := &Session{
		ctx:    ctx,
		id:     sessionID,
		router: router,
		logger: logger.WithFields(logrus.Fields{
			"scope":      "dagent-session",
			"session_id": sessionID,
		}),
		onLogout: onLogout,

		connect: mail.ConnectInfo{
			Timestamp:  time.Now(),
			ServerName: serverName,
		},
	}
	if state != nil {
		s.helo = state.Hostname
		if state.RemoteAddr != nil {
			s.connect.ClientAddr = state.RemoteAddr.String()
		}
	}

	return s, nil
}

var _ smtp.Session = (*Session)(nil) // Verify that *Session implements smtp.Session.

func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.logger.WithField("from", from).Debugln("mail from")

	if from != "" {
		address, err := mail.ParseAddress(from)
		if err != nil {
			s.logger.WithError(err).Debugln("invalid mail from value")
			return ErrRequestedActioNotTaken
		}
		s.from = &address
	} else {
		s.from = nil
	}
	s.opts = &opts

	return s.router.Mail(from, opts)
}

func (s *Session) Rcpt(rcptTo string) error {
	s.logger.WithField("rcptTo", rcptTo).Debugln("mail rcptTo")
	address, err := mail.ParseAddress(rcptTo)
	if err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		return ErrRequestedActioNotTaken
	}

	method, err := s.router.GetRoute(address)
	if err != nil {
		s.logger.WithError(err).WithField("rcptTo", rcptTo).Warnln("no route for recipient")
		return ErrRequestedActioNotTaken
	}

	s.rcpts = append(s.rcpts, mail.NewRcpt(address, method))
	s.rcptTo = append(s.rcptTo, rcptTo)

	return nil
}

// accept reads the message and hands it to the router.
func (s *Session) accept(r io.Reader) (*mail.Context, error) {
	if len(s.rcpts) == 0 {
		return nil, ErrTransactionFailed
	}

	body, err := io.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("failed to read mail data")
		return nil, ErrTransactionFailed
	}

	mctx := mail.NewContext(s.connect, mail.Envelope{
		Helo: s.helo,
		From: s.from,
	}, s.rcpts)

	if err = s.router.Enqueue(s.ctx, mctx, body); err != nil {
		s.logger.WithError(err).WithField("message_id", mctx.MessageID()).Errorln("failed to enqueue message")
		return nil, ErrLocalErrorInProcessingError
	}

	s.logger.WithFields(logrus.Fields{
		"message_id": mctx.MessageID(),
		"rcpts":      len(mctx.Rcpts),
		"size":       len(body),
	}).Infoln("message accepted")

	return mctx, nil
}

func (s *Session) Data(r io.Reader) error {
	s.logger.Debugf("smtp mail data")

	if _, err := s.accept(r); err != nil {
		return err
	}

	s.logger.Debugln("smtp mail data done")
	return nil
}

func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	mctx, err := s.accept(r)
	for _, rcptTo := range s.rcptTo {
		s.logger.WithError(err).WithField("rcptTo", rcptTo).Debugln("lmtp set status")
		status.SetStatus(rcptTo, err)
	}
	if mctx != nil {
		s.logger.WithField("message_id", mctx.MessageID()).Debugln("lmtp data done")
	}

	return nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.from = nil
	s.opts = nil
	s.rcpts = nil
	s.rcptTo = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	if s.onLogout != nil {
		s.onLogout(s)
	}
	return nil
}
