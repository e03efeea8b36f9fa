/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package mail

import (
	"time"

	"github.com/google/uuid"
)

// Envelope is the SMTP envelope of an accepted message.
type Envelope struct {
	Helo string   `json:"helo" yaml:"helo"`
	From *Address `json:"from,omitempty" yaml:"from,omitempty"`
}

// ConnectInfo is metadata of the connection the message was received on.
type ConnectInfo struct {
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	ClientAddr string    `json:"client_addr" yaml:"client_addr"`
	ServerName string    `json:"server_name" yaml:"server_name"`
}

// Context is everything known about an accepted message except its body.
type Context struct {
	ID       uuid.UUID   `json:"id" yaml:"id"`
	Received time.Time   `json:"received" yaml:"received"`
	Connect  ConnectInfo `json:"connect" yaml:"connect"`
	Envelope Envelope    `json:"envelope" yaml:"envelope"`
	Rcpts    []*Rcpt     `json:"rcpts" yaml:"rcpts"`
}

// NewContext creates a context with a fresh message identifier.
func NewContext(connect ConnectInfo, envelope Envelope, rcpts []*Rcpt) *Context {
	return &Context{
		ID:       uuid.New(),
		Received: time.Now(),
		Connect:  connect,
		Envelope: envelope,
		Rcpts:    rcpts,
	}
}

// MessageID returns the string form of the message identifier.
func (c *Context) MessageID() string {
	return c.ID.String()
}

// From returns the reverse path, empty for the null sender.
func (c *Context) From() string {
	if c.Envelope.From == nil {
		return ""
	}
	return c.Envelope.From.String()
}
