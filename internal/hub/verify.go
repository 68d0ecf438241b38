// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// handleVerify drives the verification round-trip for a pending subscribe
// or unsubscribe: GET the subscriber's callback with the challenge and act
// on whether the echo matches.
func (e *Engine) handleVerify(ctx context.Context, m queue.Message) error {
	msg, ok := m.(queue.Verify)
	if !ok {
		return clientErrorf("handleVerify: unexpected message type %T", m)
	}

	sub, err := e.store.GetSubscription(msg.SubscriptionID)
	if err == store.ErrNotFound {
		log.Debugf("hub: verify for %s dropped, subscription gone", msg.SubscriptionID)
		return nil
	}
	if err != nil {
		return err
	}

	if sub.VerificationToken != msg.Token {
		log.Debugf("hub: verify for %s dropped, stale token", msg.SubscriptionID)
		return nil
	}

	if time.Now().After(sub.VerificationExpires) {
		if msg.Mode == "unsubscribe" {
			return nil
		}
		// subscribe: leave pending for the expiration sweep to reap.
		log.Debugf("hub: verification window expired for %s, leaving pending", msg.SubscriptionID)
		return nil
	}

	callbackURL, err := url.Parse(sub.Callback)
	if err != nil {
		return err
	}
	q := callbackURL.Query()
	q.Set("hub.mode", msg.Mode)
	q.Set("hub.topic", msg.Topic)
	q.Set("hub.challenge", msg.Challenge)
	if msg.Mode == "subscribe" {
		q.Set("hub.lease_seconds", strconv.Itoa(msg.LeaseSeconds))
	}
	callbackURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		log.WithError(err).Warnf("hub: verification GET failed for %s", sub.ID)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if err != nil {
		return err
	}

	accepted := resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		strings.TrimSpace(string(body)) == msg.Challenge

	if accepted {
		if msg.Mode == "unsubscribe" {
			return e.store.DeleteSubscription(sub.ID)
		}
		sub.Verified = true
		sub.VerificationToken = ""
		sub.VerificationExpires = time.Time{}
		sub.Expires = time.Now().Add(time.Duration(msg.LeaseSeconds) * time.Second)
		return e.store.UpdateSubscription(sub)
	}

	if msg.Mode == "unsubscribe" {
		return e.store.DeleteSubscription(sub.ID)
	}

	log.Debugf("hub: verification rejected for %s (status=%d)", sub.ID, resp.StatusCode)
	return nil
}
