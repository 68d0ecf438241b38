// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueRow is the durable, tag-routed message envelope backing the
// at-least-once task queue. The queue package owns the concrete message
// payload shapes (PollFeed, Distribute, Verify, Renew,
// RelayToUserCallback); the store only needs enough structure to find
// messages whose visibility has elapsed.
type QueueRow struct {
	ID      string          `json:"id"`
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`

	Enqueued    time.Time       `json:"enqueued"`
	AvailableAt time.Time       `json:"availableAt"`
	Attempts    int             `json:"attempts"`
	Backoff     []time.Duration `json:"backoff,omitempty"`
}

func (q *QueueRow) bytes() ([]byte, error) { return json.Marshal(q) }

func loadQueueRow(data []byte) (*QueueRow, error) {
	var q QueueRow
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// dueIndexKey encodes AvailableAt so the queue_due table sorts by
// visibility deadline when enumerated in bitcask's on-disk key order.
func dueIndexKey(row *QueueRow) []byte {
	return keyOf(tableQueueDue, fmt.Sprintf("%020d", row.AvailableAt.UnixNano()), enc(row.ID))
}

// EnqueueMessage durably commits a new queue row and its due-time index in
// one atomic write. Callers accepting work over HTTP MUST see this return
// before replying 202.
func (s *Store) EnqueueMessage(row *QueueRow) error {
	data, err := row.bytes()
	if err != nil {
		return err
	}

	return s.commit(
		put(rowKey(tableQueue, row.ID), data),
		put(dueIndexKey(row), []byte(row.ID)),
	)
}

// DueMessages returns every queue row whose AvailableAt has elapsed,
// scanning the whole due-index and filtering in memory since bitcask only
// supports prefix scan, not range scan.
func (s *Store) DueMessages(now time.Time) ([]*QueueRow, error) {
	var out []*QueueRow

	err := s.scan(rowKey(tableQueueDue, ""), func(key []byte) error {
		id, err := s.get(key)
		if err != nil {
			return err
		}
		row, err := s.GetQueueMessage(string(id))
		if err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if !row.AvailableAt.After(now) {
			out = append(out, row)
		}
		return nil
	})

	return out, err
}

// GetQueueMessage fetches a queue row by id.
func (s *Store) GetQueueMessage(id string) (*QueueRow, error) {
	data, err := s.get(rowKey(tableQueue, id))
	if err != nil {
		return nil, err
	}
	return loadQueueRow(data)
}

// AckMessage removes a queue row and its due index, marking the message as
// fully processed.
func (s *Store) AckMessage(row *QueueRow) error {
	return s.commit(
		del(rowKey(tableQueue, row.ID)),
		del(dueIndexKey(row)),
	)
}

// RescheduleMessage bumps the attempt counter and moves the due index to a
// new visibility deadline, used both for normal backoff retries and for
// returning a message to visibility after a worker crash.
func (s *Store) RescheduleMessage(row *QueueRow, nextAvailableAt time.Time) error {
	oldDueKey := dueIndexKey(row)

	row.Attempts++
	row.AvailableAt = nextAvailableAt

	data, err := row.bytes()
	if err != nil {
		return err
	}

	return s.commit(
		put(rowKey(tableQueue, row.ID), data),
		del(oldDueKey),
		put(dueIndexKey(row), []byte(row.ID)),
	)
}

// DeadLetterMessage retires a row that exhausted its retry schedule: the
// row and its due index are removed from the live queue and the row is
// kept, as-is, under the dead-letter table for operator inspection.
func (s *Store) DeadLetterMessage(row *QueueRow) error {
	data, err := row.bytes()
	if err != nil {
		return err
	}

	return s.commit(
		del(rowKey(tableQueue, row.ID)),
		del(dueIndexKey(row)),
		put(rowKey(tableQueueDead, row.ID), data),
	)
}

// ListDeadLetters returns every dead-lettered row, used by the
// queue.dead_letters metrics gauge.
func (s *Store) ListDeadLetters() ([]*QueueRow, error) {
	var out []*QueueRow

	err := s.scan(rowKey(tableQueueDead, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		row, err := loadQueueRow(data)
		if err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})

	return out, err
}
