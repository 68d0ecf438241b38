// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
)

// handleRenew refreshes one outbound subscription: a fallback subscription
// simply has its lease pushed out since the polling engine, not an upstream
// hub, is what's keeping it alive; an external subscription re-issues the
// same subscribe form to the upstream hub so it re-confirms via callback.
func (c *Client) handleRenew(ctx context.Context, m queue.Message) error {
	msg, ok := m.(queue.Renew)
	if !ok {
		return fmt.Errorf("external: handleRenew: unexpected message type %T", m)
	}

	ext, err := c.store.GetExternalSubscription(msg.ExternalSubscriptionID)
	if err != nil {
		return err
	}

	now := time.Now()

	if ext.UsingFallback {
		ext.Expires = now.Add(time.Duration(ext.LeaseSeconds) * time.Second)
		ext.LastRenewed = now
		return c.store.UpdateExternalSubscription(ext)
	}

	if err := c.postSubscribeForm(ctx, ext); err != nil {
		ext.ErrorCount++
		ext.LastError = err.Error()
		ext.LastErrorTime = now
		if uerr := c.store.UpdateExternalSubscription(ext); uerr != nil {
			log.WithError(uerr).Error("external: failed to persist renewal error")
		}
		return err
	}

	// The upstream hub confirms renewal via a fresh callback GET
	// (HandleCallback), which is what actually advances Expires/LastRenewed.
	return nil
}

// RenewDueSubscriptions enumerates ExternalSubscriptions whose lease is
// close enough to expiry to need renewal and enqueues a Renew message for
// each, for the scheduler's periodic renewal tick.
func (c *Client) RenewDueSubscriptions(ctx context.Context) (int, error) {
	exts, err := c.store.ListExternalSubscriptions()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	enqueued := 0
	for _, ext := range exts {
		if !ext.RenewalDue(now, c.cfg.RenewalWindow) {
			continue
		}
		if _, err := c.queue.Enqueue(queue.Renew{ExternalSubscriptionID: ext.ID}, 0); err != nil {
			log.WithError(err).Errorf("external: failed to enqueue renewal for %s", ext.ID)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}
