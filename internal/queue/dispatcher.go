// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// maxAttempts bounds retries for messages with no tag-specific backoff
// schedule registered.
const maxAttempts = 5

// Handler processes one message. A returned error causes the message to be
// rescheduled per its backoff; a nil error acks it. Handlers MUST be
// idempotent since a crash between a handler's side effect and the Ack can
// redeliver the same message.
type Handler func(ctx context.Context, msg Message) error

// Dispatcher runs the queue's dispatch loop over a bounded worker pool.
// Every message is committed to internal/store before being handed to a
// worker, and the poll loop re-discovers anything still due after a
// restart.
type Dispatcher struct {
	sync.Mutex

	store    *store.Store
	handlers map[string]Handler

	workers  int
	interval time.Duration

	sem      chan struct{}
	quit     chan struct{}
	active   bool
	inflight map[string]struct{}
}

// NewDispatcher builds a Dispatcher backed by st, running up to workers
// concurrent handlers and polling for due messages every interval.
func NewDispatcher(st *store.Store, workers int, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    st,
		handlers: make(map[string]Handler),
		workers:  workers,
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// RegisterHandler binds a Handler to a message tag. Call before Start.
func (d *Dispatcher) RegisterHandler(tag string, h Handler) {
	d.Lock()
	defer d.Unlock()
	d.handlers[tag] = h
}

// Enqueue durably commits msg and returns its queue row id. delay, if
// non-zero, postpones the message's first availability.
func (d *Dispatcher) Enqueue(msg Message, delay time.Duration) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", msg.Tag(), err)
	}

	now := time.Now()
	row := &store.QueueRow{
		ID:          shortuuid.New(),
		Tag:         msg.Tag(),
		Payload:     payload,
		Enqueued:    now,
		AvailableAt: now.Add(delay),
		Backoff:     backoffFor(msg.Tag()),
	}

	if err := d.store.EnqueueMessage(row); err != nil {
		return "", err
	}
	return row.ID, nil
}

func backoffFor(tag string) []time.Duration {
	switch tag {
	case TagDistribute:
		return DistributeBackoff
	case TagVerify:
		return VerifyBackoff
	default:
		return nil
	}
}

// Start launches the poll loop and worker semaphore. It returns
// immediately; use ctx cancellation or Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.Lock()
	if d.active {
		d.Unlock()
		return
	}
	d.sem = make(chan struct{}, d.workers)
	d.quit = make(chan struct{})
	d.active = true
	d.Unlock()

	go d.loop(ctx)
}

// Stop halts the poll loop. In-flight handlers are allowed to finish.
func (d *Dispatcher) Stop() {
	d.Lock()
	defer d.Unlock()
	if !d.active {
		return
	}
	d.active = false
	close(d.quit)
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.quit:
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// drain fetches every currently-due row and hands each to a worker slot,
// skipping rows a worker from an earlier tick still holds.
func (d *Dispatcher) drain(ctx context.Context) {
	rows, err := d.store.DueMessages(time.Now())
	if err != nil {
		log.WithError(err).Error("queue: failed to list due messages")
		return
	}

	for _, row := range rows {
		row := row
		if !d.claim(row.ID) {
			// Still being processed by a worker from an earlier tick; its
			// visibility window hasn't been advanced yet.
			continue
		}
		select {
		case d.sem <- struct{}{}:
			go func() {
				defer func() { <-d.sem }()
				defer d.release(row.ID)
				d.process(ctx, row)
			}()
		case <-d.quit:
			d.release(row.ID)
			return
		case <-ctx.Done():
			d.release(row.ID)
			return
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.Lock()
	defer d.Unlock()
	if _, held := d.inflight[id]; held {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.Lock()
	defer d.Unlock()
	delete(d.inflight, id)
}

// process runs the registered handler for row's tag, recovering from
// handler panics, and either acks, reschedules with backoff, or
// dead-letters the row.
func (d *Dispatcher) process(ctx context.Context, row *store.QueueRow) {
	d.Lock()
	h, ok := d.handlers[row.Tag]
	d.Unlock()

	if !ok {
		log.Errorf("queue: no handler registered for tag %q, dead-lettering %s", row.Tag, row.ID)
		if err := d.store.DeadLetterMessage(row); err != nil {
			log.WithError(err).Errorf("queue: failed to dead-letter %s", row.ID)
		}
		return
	}

	msg, err := decode(row)
	if err != nil {
		log.WithError(err).Errorf("queue: failed to decode %s payload, dead-lettering", row.ID)
		if derr := d.store.DeadLetterMessage(row); derr != nil {
			log.WithError(derr).Errorf("queue: failed to dead-letter %s", row.ID)
		}
		return
	}

	handlerErr := d.runHandler(ctx, h, msg)
	if handlerErr == nil {
		if err := d.store.AckMessage(row); err != nil {
			log.WithError(err).Errorf("queue: failed to ack %s", row.ID)
		}
		return
	}

	log.WithError(handlerErr).Warnf("queue: handler failed for %s %s (attempt %d)", row.Tag, row.ID, row.Attempts+1)

	limit := len(row.Backoff)
	if limit == 0 {
		limit = maxAttempts
	}
	if row.Attempts >= limit {
		log.Errorf("queue: %s %s exhausted retries, dead-lettering", row.Tag, row.ID)
		if err := d.store.DeadLetterMessage(row); err != nil {
			log.WithError(err).Errorf("queue: failed to dead-letter %s", row.ID)
		}
		return
	}

	delay := nextDelay(row)
	if err := d.store.RescheduleMessage(row, time.Now().Add(delay)); err != nil {
		log.WithError(err).Errorf("queue: failed to reschedule %s", row.ID)
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func nextDelay(row *store.QueueRow) time.Duration {
	if row.Attempts < len(row.Backoff) {
		return row.Backoff[row.Attempts]
	}
	// Linear fallback past an exhausted or unset schedule.
	return time.Duration(row.Attempts+1) * 30 * time.Second
}

func decode(row *store.QueueRow) (Message, error) {
	switch row.Tag {
	case TagPollFeed:
		var m PollFeed
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagDistribute:
		var m Distribute
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagVerify:
		var m Verify
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagRenew:
		var m Renew
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TagRelayToUserCallback:
		var m RelayToUserCallback
		if err := json.Unmarshal(row.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message tag %q", row.Tag)
	}
}
