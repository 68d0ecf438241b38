// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"time"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// CallbackResult is what the HTTP adapter writes back for a GET|POST
// /callback/:id request.
type CallbackResult struct {
	// Echo, when non-empty, is the exact response body to send (the
	// verification challenge echo).
	Echo string
	// NotFound indicates no ExternalSubscription owns this callback path.
	NotFound bool
}

// HandleCallback services an upstream hub's request against one of our
// callback paths: subscribe/unsubscribe confirmations complete
// verification and echo the challenge; any other request is treated as a
// content notification and fanned out to every verified UserCallback for
// the topic.
func (c *Client) HandleCallback(callbackPath, mode, topic, challenge string, leaseSeconds *int, body []byte, contentType string) (*CallbackResult, error) {
	ext, err := c.store.GetExternalSubscriptionByCallbackPath(callbackPath)
	if err == store.ErrNotFound {
		return &CallbackResult{NotFound: true}, nil
	}
	if err != nil {
		return nil, err
	}

	switch mode {
	case "subscribe", "unsubscribe":
		if ext.Topic != topic {
			log.Warnf("external: callback %s topic mismatch (got %s, want %s)", callbackPath, topic, ext.Topic)
			return &CallbackResult{NotFound: true}, nil
		}

		if mode == "unsubscribe" {
			if err := c.store.DeleteExternalSubscription(ext.ID); err != nil {
				return nil, err
			}
			return &CallbackResult{Echo: challenge}, nil
		}

		ext.Verified = true
		now := time.Now()
		lease := ext.LeaseSeconds
		if leaseSeconds != nil {
			lease = *leaseSeconds
		}
		if c.cfg.MaxLease > 0 && lease > c.cfg.MaxLease {
			lease = c.cfg.MaxLease
		}
		ext.Expires = now.Add(time.Duration(lease) * time.Second)
		ext.LastRenewed = now
		if err := c.store.UpdateExternalSubscription(ext); err != nil {
			return nil, err
		}
		return &CallbackResult{Echo: challenge}, nil

	default:
		if !ext.Verified {
			return &CallbackResult{NotFound: true}, nil
		}

		callbacks, err := c.store.ListUserCallbacksByTopic(ext.Topic)
		if err != nil {
			return nil, err
		}
		for _, uc := range callbacks {
			if !uc.Verified {
				continue
			}
			if _, err := c.queue.Enqueue(queue.RelayToUserCallback{
				UserCallbackID: uc.ID,
				ContentType:    contentType,
				Body:           body,
				Topic:          ext.Topic,
			}, 0); err != nil {
				log.WithError(err).Errorf("external: failed to enqueue relay for user callback %s", uc.ID)
			}
		}
		return &CallbackResult{}, nil
	}
}
