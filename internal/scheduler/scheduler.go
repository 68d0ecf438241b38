// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler wires the hub's three periodic triggers — the poll
// tick, the renewal+cleanup tick, and the expiration sweep — onto
// github.com/robfig/cron/v3.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/external"
	"git.mills.io/prologic/superduperfeeder/internal/polling"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// Config carries the three trigger cadences.
type Config struct {
	PollSchedule       string // e.g. "@every 1m"
	RenewalSchedule    string // e.g. "@every 10m"
	ExpirationSchedule string // e.g. "@every 1h"
}

// Scheduler drives the poll tick, renewal+cleanup tick, and expiration
// sweep tick.
type Scheduler struct {
	cron *cron.Cron

	store    *store.Store
	queue    *queue.Dispatcher
	polling  *polling.Engine
	external *external.Client
}

// New builds a Scheduler. Call AddJobs then Start.
func New(st *store.Store, disp *queue.Dispatcher, pollingEngine *polling.Engine, externalClient *external.Client) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		store:    st,
		queue:    disp,
		polling:  pollingEngine,
		external: externalClient,
	}
}

// AddJobs registers the three periodic triggers under cfg's cadences.
func (s *Scheduler) AddJobs(ctx context.Context, cfg Config) error {
	if _, err := s.cron.AddFunc(cfg.PollSchedule, func() {
		n, err := s.polling.EnqueueDueFeeds(ctx, s.queue)
		if err != nil {
			log.WithError(err).Error("scheduler: poll tick failed")
			return
		}
		if n > 0 {
			log.Debugf("scheduler: enqueued %d due feeds", n)
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(cfg.RenewalSchedule, func() {
		n, err := s.external.RenewDueSubscriptions(ctx)
		if err != nil {
			log.WithError(err).Error("scheduler: renewal tick failed")
		} else if n > 0 {
			log.Debugf("scheduler: enqueued %d renewals", n)
		}

		deleted, err := s.external.CleanupExpiredVerifications()
		if err != nil {
			log.WithError(err).Error("scheduler: cleanup tick failed")
		} else if deleted > 0 {
			log.Debugf("scheduler: removed %d expired user callbacks", deleted)
		}

		fellBack, err := s.external.FallbackUnverifiedSubscriptions(ctx)
		if err != nil {
			log.WithError(err).Error("scheduler: polling-fallback tick failed")
		} else if fellBack > 0 {
			log.Infof("scheduler: %d external subscriptions fell back to polling", fellBack)
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc(cfg.ExpirationSchedule, func() {
		n, err := s.expireSubscriptions()
		if err != nil {
			log.WithError(err).Error("scheduler: expiration sweep failed")
		} else if n > 0 {
			log.Debugf("scheduler: expired %d subscriptions", n)
		}
	}); err != nil {
		return err
	}

	return nil
}

// expireSubscriptions deletes inbound Subscription rows whose lease has
// elapsed without renewal, and reaps rows that never completed
// verification within their window — the pending subscriptions
// handleVerify (internal/hub/verify.go) deliberately leaves behind for
// this sweep rather than deleting itself.
func (s *Scheduler) expireSubscriptions() (int, error) {
	subs, err := s.store.ListSubscriptions()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	for _, sub := range subs {
		leaseExpired := sub.Verified && !sub.Expires.IsZero() && !sub.Expires.After(now)
		verificationLapsed := sub.VerificationExpired(now)
		if !leaseExpired && !verificationLapsed {
			continue
		}
		if err := s.store.DeleteSubscription(sub.ID); err != nil {
			log.WithError(err).Errorf("scheduler: failed to expire subscription %s", sub.ID)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
