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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kgol/kdeliver/mail"
	"stash.kopano.io/kgol/kdeliver/queue"
)

// RetryInterval is the back off added per held back recipient.
const RetryInterval = 5 * time.Minute

const sweepConcurrency = 4

// NextRetry returns when a deferred message with rcpts is due next: the
// oldest last error of its held back recipients plus RetryInterval for every
// held back recipient. It returns false when nothing is held back.
func NextRetry(rcpts []*mail.Rcpt) (time.Time, bool) {
	var oldest time.Time
	count := 0
	for _, rcpt := range rcpts {
		if !rcpt.IsHeldBack() {
			continue
		}
		count++
		if last := rcpt.LastError(); last != nil && (oldest.IsZero() || last.Timestamp.Before(oldest)) {
			oldest = last.Timestamp
		}
	}
	if count == 0 || oldest.IsZero() {
		return time.Time{}, false
	}
	return oldest.Add(time.Duration(count) * RetryInterval), true
}

// RetryReady reports whether a deferred message with rcpts is due at at.
func RetryReady(rcpts []*mail.Rcpt, at time.Time) bool {
	next, ok := NextRetry(rcpts)
	return !ok || !next.After(at)
}

// enforceRetryCap fails every held back recipient which reached the maximum
// number of errors.
func (e *Engine) enforceRetryCap(mctx *mail.Context) {
	for _, rcpt := range mctx.Rcpts {
		if !rcpt.IsHeldBack() || len(rcpt.Status.Errors) < e.config.DeferredRetryMax {
			continue
		}
		err := mail.RetryExhaustedError(len(rcpt.Status.Errors), rcpt.LastError())
		err.Timestamp = e.now()
		rcpt.SetFailed(err)
		e.logger.WithFields(logrus.Fields{
			"message_id": mctx.MessageID(),
			"rcpt":       rcpt.String(),
		}).Warnln("giving up on recipient after too many deferred retries")
	}
}

// HandleDeliverable delivers message id from the deliverable queue and places
// it according to the outcome.
func (e *Engine) HandleDeliverable(ctx context.Context, id string) error {
	return e.handle(ctx, queue.Deliverable, id, time.Time{})
}

// HandleDeferred retries message id from the deferred queue when it is due at
// at. Messages which are not due are left untouched.
func (e *Engine) HandleDeferred(ctx context.Context, id string, at time.Time) error {
	return e.handle(ctx, queue.Deferred, id, at)
}

func (e *Engine) handle(ctx context.Context, from queue.ID, id string, at time.Time) error {
	logger := e.logger.WithFields(logrus.Fields{
		"message_id": id,
		"queue":      from,
	})

	if !e.claim(id) {
		logger.Debugln("message already in flight, skipped")
		return nil
	}
	defer e.release(id)

	mctx, err := e.store.GetContext(ctx, from, id)
	if err != nil {
		return fmt.Errorf("failed to read message context: %w", err)
	}

	if from == queue.Deferred && !RetryReady(mctx.Rcpts, at) {
		metricSweepSkipped.Inc()
		next, _ := NextRetry(mctx.Rcpts)
		logger.WithField("next", next).Debugln("deferred message not due yet")
		return nil
	}

	body, err := e.store.GetBody(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	e.enforceRetryCap(mctx)
	e.Deliver(ctx, mctx, body)
	e.enforceRetryCap(mctx)

	return e.place(ctx, from, mctx)
}

// FlushDeferred retries every deferred message which is due at at. Entries
// which are not message identifiers are skipped. It fails only when the
// queue cannot be listed.
func (e *Engine) FlushDeferred(ctx context.Context, at time.Time) error {
	metricSweeps.Inc()

	ids, err := e.store.List(ctx, queue.Deferred)
	if err != nil {
		return fmt.Errorf("failed to list deferred queue: %w", err)
	}

	e.each(ctx, ids, func(id string) error {
		return e.HandleDeferred(ctx, id, at)
	})
	return nil
}

// Recover makes every message left in the working queue deliverable and
// handles all deliverable messages. Used on startup.
func (e *Engine) Recover(ctx context.Context) error {
	ids, err := e.store.List(ctx, queue.Working)
	if err != nil {
		return fmt.Errorf("failed to list working queue: %w", err)
	}
	for _, id := range ids {
		mctx, err := e.store.GetContext(ctx, queue.Working, id)
		if err == nil {
			err = e.store.Move(ctx, queue.Working, queue.Deliverable, mctx)
		}
		if err != nil {
			e.logger.WithError(err).WithField("message_id", id).Errorln("failed to recover working message")
		}
	}

	ids, err = e.store.List(ctx, queue.Deliverable)
	if err != nil {
		return fmt.Errorf("failed to list deliverable queue: %w", err)
	}
	if len(ids) > 0 {
		e.logger.WithField("count", len(ids)).Infoln("delivering queued messages")
	}
	e.each(ctx, ids, func(id string) error {
		return e.HandleDeliverable(ctx, id)
	})
	return nil
}

func (e *Engine) each(ctx context.Context, ids []string, f func(id string) error) {
	var wg sync.WaitGroup
	concurrency := make(chan struct{}, sweepConcurrency)
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			e.logger.WithField("entry", id).Warnln("ignoring queue entry which is not a message id")
			continue
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case concurrency <- struct{}{}:
		}
		wg.Add(1)
		go func(id string) {
			defer func() {
				<-concurrency
				wg.Done()
			}()
			if err := f(id); err != nil {
				e.logger.WithError(err).WithField("message_id", id).Errorln("failed to handle queued message")
			}
		}(id)
	}
	wg.Wait()
}
