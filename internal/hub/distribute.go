// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // WebSub specifies HMAC-SHA1 for X-Hub-Signature
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// handleDistribute POSTs the payload to the subscriber's callback with the
// Content-Type, Link, User-Agent, and optional X-Hub-Signature headers. A
// non-2xx response is returned as an error so the Dispatcher reschedules
// per DistributeBackoff; the subscription's error fields are updated on
// every failed attempt so a last-error mark survives even after the final
// attempt is dead-lettered.
func (e *Engine) handleDistribute(ctx context.Context, m queue.Message) error {
	msg, ok := m.(queue.Distribute)
	if !ok {
		return clientErrorf("handleDistribute: unexpected message type %T", m)
	}

	sub, err := e.store.GetSubscription(msg.SubscriptionID)
	if err == store.ErrNotFound {
		log.Debugf("hub: distribute for %s dropped, subscription gone", msg.SubscriptionID)
		return nil
	}
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", msg.ContentType)
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Link", fmt.Sprintf(`<%s>; rel="self", <%s>; rel="hub"`, msg.Topic, msg.HubURL))
	if len(msg.SignatureKey) > 0 {
		req.Header.Set("X-Hub-Signature", "sha1="+signBody(msg.SignatureKey, msg.Body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.markDeliveryFailure(sub, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		deliveryErr := fmt.Errorf("subscriber %s returned status %d", sub.Callback, resp.StatusCode)
		e.markDeliveryFailure(sub, deliveryErr.Error())
		return deliveryErr
	}

	sub.ErrorCount = 0
	sub.LastError = ""
	sub.LastErrorTime = time.Time{}
	if uerr := e.store.UpdateSubscription(sub); uerr != nil {
		log.WithError(uerr).Warnf("hub: failed to clear error state on subscription %s", sub.ID)
	}

	return nil
}

func (e *Engine) markDeliveryFailure(sub *model.Subscription, reason string) {
	sub.ErrorCount++
	sub.LastError = reason
	sub.LastErrorTime = time.Now()
	if err := e.store.UpdateSubscription(sub); err != nil {
		log.WithError(err).Warnf("hub: failed to record delivery failure on subscription %s", sub.ID)
	}
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
