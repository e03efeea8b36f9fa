/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/queue"
	"stash.kopano.io/kgol/kdeliver/utils"
)

// Outcome is published after every placement of a message.
type Outcome struct {
	MessageID string
	Queue     queue.ID
	Placement mail.Placement
	Sent      int
	HeldBack  int
	Failed    int
	When      time.Time
}

// Engine delivers messages to their recipients and places them in the queue
// their outcome asks for.
type Engine struct {
	config *Config
	logger logrus.FieldLogger

	store  queue.Store
	sender *Sender
	events *utils.Broadcaster

	mailbox Transport
	maildir Transport

	inflight cmap.ConcurrentMap

	now func() time.Time
}

// NewEngine creates an Engine with the provided config, store and sender.
// Events is optional and receives an *Outcome for every placement.
func NewEngine(config *Config, store queue.Store, sender *Sender, events *utils.Broadcaster) (*Engine, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("no queue store")
	}
	if sender == nil {
		sender = NewSender(config)
	}

	e := &Engine{
		config: config,
		logger: config.Logger.WithField("scope", "delivery"),

		store:  store,
		sender: sender,
		events: events,

		inflight: cmap.New(),

		now: time.Now,
	}
	e.mailbox = e.newMailbox()
	e.maildir = e.newMaildir()

	return e, nil
}

// Sender returns the connection pool of e.
func (e *Engine) Sender() *Sender {
	return e.sender
}

// RetryPeriod returns the interval of deferred queue sweeps.
func (e *Engine) RetryPeriod() time.Duration {
	return e.config.DeferredRetryPeriod
}

// InFlight returns the number of messages currently being handled.
func (e *Engine) InFlight() int {
	return e.inflight.Count()
}

func (e *Engine) serverName(mctx *mail.Context) string {
	if mctx.Connect.ServerName != "" {
		return mctx.Connect.ServerName
	}
	return e.config.ServerName
}

// Deliver runs one delivery pass over the pending recipients of mctx and
// returns its recipients with their updated status. Recipients sharing a
// destination are delivered together, destinations run concurrently.
// Recipients without transfer method are failed.
func (e *Engine) Deliver(ctx context.Context, mctx *mail.Context, body []byte) []*mail.Rcpt {
	logger := e.logger.WithFields(logrus.Fields{
		"message_id": mctx.MessageID(),
		"attempt":    shortuuid.New(),
	})

	now := e.now()
	for _, rcpt := range mctx.Rcpts {
		if rcpt.TransferMethod.Kind == mail.TransferNone && !rcpt.IsSent() && !rcpt.IsFailed() {
			rcpt.Apply(mail.NoTransportError(), now)
		}
	}

	groups := e.groups(mctx.Rcpts)
	logger.WithField("groups", len(groups)).Debugln("delivery pass start")

	var wg sync.WaitGroup
	concurrency := make(chan struct{}, e.config.DomainConcurrency)
	wg.Add(len(groups))
	for _, g := range groups {
		concurrency <- struct{}{}
		go func(g *group) {
			defer func() {
				<-concurrency
				wg.Done()
			}()
			g.transport.Deliver(ctx, mctx, g.rcpts, body)
			for _, rcpt := range g.rcpts {
				metricRcptOutcomes.WithLabelValues(string(rcpt.TransferMethod.Kind), string(rcpt.Status.Kind)).Inc()
			}
		}(g)
	}
	wg.Wait()

	logger.Debugln("delivery pass done")
	return mctx.Rcpts
}

// Enqueue stores a newly accepted message and makes it deliverable.
func (e *Engine) Enqueue(ctx context.Context, mctx *mail.Context, body []byte) error {
	if err := e.store.WriteBoth(ctx, queue.Working, mctx, body); err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	if err := e.store.Move(ctx, queue.Working, queue.Deliverable, mctx); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	return nil
}

// claim marks id as in flight. It returns false when id is already being
// handled.
func (e *Engine) claim(id string) bool {
	return e.inflight.SetIfAbsent(id, e.now())
}

func (e *Engine) release(id string) {
	e.inflight.Remove(id)
}

// place moves mctx from the from queue to where its recipients put it.
func (e *Engine) place(ctx context.Context, from queue.ID, mctx *mail.Context) error {
	placement := mail.DerivePlacement(mctx.Rcpts)
	id := mctx.MessageID()

	var err error
	var to queue.ID
	switch placement {
	case mail.PlacementDead:
		to = queue.Dead
		err = e.store.Move(ctx, from, to, mctx)
	case mail.PlacementDeferred:
		to = queue.Deferred
		if from == queue.Deferred {
			err = e.store.WriteContext(ctx, to, mctx)
		} else {
			err = e.store.Move(ctx, from, to, mctx)
		}
	default:
		err = e.store.Remove(ctx, from, id)
	}
	if err != nil {
		return fmt.Errorf("failed to place message %s as %s: %w", id, placement, err)
	}
	metricPlacements.WithLabelValues(placement.String()).Inc()

	outcome := &Outcome{
		MessageID: id,
		Queue:     to,
		Placement: placement,
		When:      e.now(),
	}
	for _, rcpt := range mctx.Rcpts {
		switch {
		case rcpt.IsSent():
			outcome.Sent++
		case rcpt.IsFailed():
			outcome.Failed++
		case rcpt.IsHeldBack():
			outcome.HeldBack++
		}
	}
	e.logger.WithFields(logrus.Fields{
		"message_id": id,
		"placement":  placement.String(),
		"sent":       outcome.Sent,
		"held_back":  outcome.HeldBack,
		"failed":     outcome.Failed,
	}).Infoln("message placed")
	if e.events != nil {
		e.events.TryBroadcast(outcome)
	}

	return nil
}
