// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// subscribeToExternalHub mints a callbackPath, persists an unverified
// ExternalSubscription, and POSTs the subscribe form to the upstream hub.
// The upstream hub later GETs our callbackPath to complete verification
// (HandleCallback).
func (c *Client) subscribeToExternalHub(ctx context.Context, topic, hubURL string) error {
	secret := make([]byte, 20)
	_, _ = rand.Read(secret)

	callbackPath := "/callback/" + shortuuid.New()
	now := time.Now()

	ext := &model.ExternalSubscription{
		ID:            shortuuid.New(),
		Topic:         topic,
		Hub:           hubURL,
		CallbackPath:  callbackPath,
		Secret:        secret,
		LeaseSeconds:  c.cfg.DefaultLease,
		Created:       now,
		UsingFallback: false,
	}
	if err := c.store.CreateExternalSubscription(ext); err != nil {
		return err
	}

	return c.postSubscribeForm(ctx, ext)
}

func (c *Client) postSubscribeForm(ctx context.Context, ext *model.ExternalSubscription) error {
	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.topic", ext.Topic)
	form.Set("hub.callback", strings.TrimSuffix(c.cfg.BaseURL, "/")+ext.CallbackPath)
	form.Set("hub.lease_seconds", strconv.Itoa(ext.LeaseSeconds))
	if len(ext.Secret) > 0 {
		form.Set("hub.secret", string(ext.Secret))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ext.Hub, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("hub %s returned status %d", ext.Hub, resp.StatusCode)
	}
	return nil
}

// subscribeToOwnHub handles the no-hub case: polling stands in for
// verification, so the ExternalSubscription is immediately marked verified
// and the target feed is added to the polling set.
func (c *Client) subscribeToOwnHub(ctx context.Context, topic, feedURL string) error {
	if feedURL == "" {
		feedURL = topic
	}

	now := time.Now()
	ext := &model.ExternalSubscription{
		ID:            shortuuid.New(),
		Topic:         topic,
		CallbackPath:  "/callback/" + shortuuid.New(),
		LeaseSeconds:  c.cfg.DefaultLease,
		Created:       now,
		Expires:       now.Add(time.Duration(c.cfg.DefaultLease) * time.Second),
		Verified:      true,
		UsingFallback: true,
	}
	if err := c.store.CreateExternalSubscription(ext); err != nil {
		return err
	}

	return c.ensureFeedAndEnqueuePoll(feedURL)
}

// ensureFeedAndEnqueuePoll creates a Feed row for feedURL if one doesn't
// already exist and enqueues its first PollFeed, the shared tail of both
// fallback paths that hand a topic to the polling engine:
// subscribeToOwnHub (no external hub found at all) and
// FallbackUnverifiedSubscriptions (a hub was found but never verified us).
func (c *Client) ensureFeedAndEnqueuePoll(feedURL string) error {
	feed, err := c.store.GetFeedByURL(feedURL)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if feed == nil {
		feed = &model.Feed{
			ID:                     shortuuid.New(),
			URL:                    feedURL,
			Active:                 true,
			PollingIntervalMinutes: c.cfg.DefaultPollingInterval,
		}
		if err := c.store.CreateFeed(feed); err != nil {
			return err
		}
	}

	_, err = c.queue.Enqueue(queue.PollFeed{FeedID: feed.ID}, 0)
	return err
}
