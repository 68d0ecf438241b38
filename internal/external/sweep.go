// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/feedparser"
)

// externalVerificationTimeout bounds how long subscribeToExternalHub
// waits for the upstream hub to complete verification via HandleCallback
// before this hub gives up and falls back to polling.
const externalVerificationTimeout = 1 * time.Hour

// CleanupExpiredVerifications deletes UserCallback rows whose ownership
// verification was never completed within the window, for the scheduler's
// periodic cleanup tick.
func (c *Client) CleanupExpiredVerifications() (int, error) {
	callbacks, err := c.store.ListUserCallbacks()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	for _, uc := range callbacks {
		if uc.Verified || !uc.VerificationExpired(now) {
			continue
		}
		if err := c.store.DeleteUserCallback(uc.ID); err != nil {
			log.WithError(err).Errorf("external: failed to delete expired user callback %s", uc.ID)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// FallbackUnverifiedSubscriptions rescues outbound subscriptions a
// discovered hub never confirmed: an ExternalSubscription still unverified
// after externalVerificationTimeout is, if its topic still resolves to a
// parseable feed, marked verified via the same usingFallback contract
// subscribeToOwnHub uses and handed to the polling engine — so a
// subscriber isn't left stuck forever because the hub turned out to be
// unreachable or misbehaving. This never applies to inbound Subscriptions
// (internal/hub never auto-verifies).
func (c *Client) FallbackUnverifiedSubscriptions(ctx context.Context) (int, error) {
	subs, err := c.store.ListExternalSubscriptions()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	n := 0
	for _, ext := range subs {
		if ext.Verified || ext.UsingFallback {
			continue
		}
		if now.Sub(ext.Created) < externalVerificationTimeout {
			continue
		}

		if err := c.confirmParseableFeed(ctx, ext.Topic); err != nil {
			ext.ErrorCount++
			ext.LastError = err.Error()
			ext.LastErrorTime = now
			if uerr := c.store.UpdateExternalSubscription(ext); uerr != nil {
				log.WithError(uerr).Errorf("external: failed to record fallback failure for %s", ext.ID)
			}
			continue
		}

		ext.Verified = true
		ext.UsingFallback = true
		ext.Expires = now.Add(time.Duration(ext.LeaseSeconds) * time.Second)
		if err := c.store.UpdateExternalSubscription(ext); err != nil {
			log.WithError(err).Errorf("external: failed to fall back subscription %s to polling", ext.ID)
			continue
		}

		if err := c.ensureFeedAndEnqueuePoll(ext.Topic); err != nil {
			log.WithError(err).Errorf("external: failed to enqueue polling fallback for %s", ext.ID)
			continue
		}

		log.Infof("external: subscription %s fell back to polling after hub never verified it", ext.ID)
		n++
	}
	return n, nil
}

// confirmParseableFeed fetches url and returns an error unless the body
// parses as a feed, the gate before granting the polling-fallback
// verification.
func (c *Client) confirmParseableFeed(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("topic %s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}

	_, err = feedparser.Parse(body, resp.Header.Get("Content-Type"))
	return err
}
