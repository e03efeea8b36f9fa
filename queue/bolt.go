/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2022 Kopano and its licensors
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"stash.kopano.io/kgol/kdeliver/mail"
)

const bodiesBucket = "bodies"

// BoltStore is a Store backed by a single bbolt database file. Each queue is a
// bucket of JSON encoded contexts keyed by message id, bodies live in their
// own bucket.
type BoltStore struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

var _ Store = (*BoltStore)(nil) // Verify that *BoltStore implements Store.

// OpenBoltStore opens or creates the queue database at path.
func OpenBoltStore(path string, logger logrus.FieldLogger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, id := range All {
			if _, bucketErr := tx.CreateBucketIfNotExists([]byte(id)); bucketErr != nil {
				return bucketErr
			}
		}
		_, bucketErr := tx.CreateBucketIfNotExists([]byte(bodiesBucket))
		return bucketErr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue database: %w", err)
	}

	return &BoltStore{
		db: db,
		logger: logger.WithFields(logrus.Fields{
			"scope": "queue",
		}),
	}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bucket(tx *bolt.Tx, queue ID) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(queue))
	if b == nil {
		return nil, fmt.Errorf("unknown queue: %q", queue)
	}
	return b, nil
}

func (s *BoltStore) List(ctx context.Context, queue ID) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, queue)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) GetContext(ctx context.Context, queue ID, id string) (*mail.Context, error) {
	var mctx *mail.Context
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, queue)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s in %s: %w", id, queue, ErrNotFound)
		}
		mctx = &mail.Context{}
		if err = json.Unmarshal(data, mctx); err != nil {
			return fmt.Errorf("failed to decode context %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mctx, nil
}

func (s *BoltStore) GetBody(ctx context.Context, id string) ([]byte, error) {
	var body []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bodiesBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("body of %s: %w", id, ErrNotFound)
		}
		// Values are only valid during the transaction.
		body = append([]byte(nil), data...)
		return nil
	})
	return body, err
}

func putContext(tx *bolt.Tx, queue ID, mctx *mail.Context) error {
	b, err := bucket(tx, queue)
	if err != nil {
		return err
	}
	data, err := json.Marshal(mctx)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	return b.Put([]byte(mctx.MessageID()), data)
}

func (s *BoltStore) WriteContext(ctx context.Context, queue ID, mctx *mail.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putContext(tx, queue, mctx)
	})
}

func (s *BoltStore) WriteBoth(ctx context.Context, queue ID, mctx *mail.Context, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putContext(tx, queue, mctx); err != nil {
			return err
		}
		return tx.Bucket([]byte(bodiesBucket)).Put([]byte(mctx.MessageID()), body)
	})
}

func (s *BoltStore) Move(ctx context.Context, from, to ID, mctx *mail.Context) error {
	id := mctx.MessageID()
	err := s.db.Update(func(tx *bolt.Tx) error {
		src, err := bucket(tx, from)
		if err != nil {
			return err
		}
		if src.Get([]byte(id)) == nil {
			return fmt.Errorf("%s in %s: %w", id, from, ErrNotFound)
		}
		if err = putContext(tx, to, mctx); err != nil {
			return err
		}
		return src.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to move %s from %s to %s: %w", id, from, to, err)
	}
	s.logger.WithFields(logrus.Fields{
		"id":   id,
		"from": from,
		"to":   to,
	}).Debugln("queue move")
	return nil
}

func (s *BoltStore) Remove(ctx context.Context, queue ID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, queue)
		if err != nil {
			return err
		}
		if err = b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket([]byte(bodiesBucket)).Delete([]byte(id))
	})
}

// Counts returns the number of messages per queue.
func (s *BoltStore) Counts() (map[ID]int, error) {
	counts := make(map[ID]int, len(All))
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, id := range All {
			b, err := bucket(tx, id)
			if err != nil {
				return err
			}
			counts[id] = b.Stats().KeyN
		}
		return nil
	})
	return counts, err
}
