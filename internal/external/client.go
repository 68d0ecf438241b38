// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package external implements the external-subscription client: this hub
// acting as a WebSub subscriber on behalf of a user, discovering upstream
// hubs, subscribing, accepting their callbacks, and relaying content to a
// user-supplied callback URL.
package external

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/discovery"
	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

const userCallbackVerificationWindow = 24 * time.Hour

// Config carries the client's tunables.
type Config struct {
	BaseURL                string
	DefaultLease           int
	MaxLease               int
	WebhookTimeout         time.Duration
	UserAgent              string
	RenewalWindow          time.Duration
	DefaultPollingInterval int
}

// Client is the External-subscription client.
type Client struct {
	store      *store.Store
	queue      *queue.Dispatcher
	discoverer *discovery.Discoverer
	httpClient *http.Client
	cfg        Config
}

// New builds a Client.
func New(st *store.Store, disp *queue.Dispatcher, cfg Config) *Client {
	httpClient := &http.Client{Timeout: cfg.WebhookTimeout}
	return &Client{
		store:      st,
		queue:      disp,
		discoverer: discovery.New(httpClient, cfg.UserAgent),
		httpClient: httpClient,
		cfg:        cfg,
	}
}

// RegisterHandlers binds this client's queue.Handlers. Call before
// disp.Start.
func (c *Client) RegisterHandlers(disp *queue.Dispatcher) {
	disp.RegisterHandler(queue.TagRenew, c.handleRenew)
	disp.RegisterHandler(queue.TagRelayToUserCallback, c.handleRelayToUserCallback)
}

// SubscribeResult reports the outcome of SubscribeToFeed for the HTTP
// adapter's /api/webhook response.
type SubscribeResult struct {
	Success             bool
	PendingVerification bool
	Message             string
}

// SubscribeToFeed registers the caller's interest in topic: it ensures a
// UserCallback exists, then either reuses the existing ExternalSubscription
// for topic, subscribes to a discovered upstream hub, or falls back to
// polling when no hub exists.
func (c *Client) SubscribeToFeed(ctx context.Context, topic, userCallbackURL string) (*SubscribeResult, error) {
	topicURL, err := url.Parse(topic)
	if err != nil || !topicURL.IsAbs() {
		return &SubscribeResult{Message: fmt.Sprintf("invalid topic: %s", topic)}, nil
	}

	if userCallbackURL != "" {
		if err := c.ensureUserCallback(topic, userCallbackURL); err != nil {
			log.WithError(err).Warnf("external: failed to register user callback for %s", topic)
		}
	}

	if existing, err := c.store.GetExternalSubscriptionByTopic(topic); err == nil {
		return &SubscribeResult{
			Success:             true,
			PendingVerification: !existing.Verified,
			Message:             "already subscribed",
		}, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	result, err := c.discoverer.Discover(ctx, topicURL)
	if err != nil {
		return &SubscribeResult{Message: fmt.Sprintf("discovery failed: %v", err)}, nil
	}

	if result.HubURL != "" {
		if err := c.subscribeToExternalHub(ctx, topic, result.HubURL); err != nil {
			return &SubscribeResult{Message: fmt.Sprintf("subscribe failed: %v", err)}, nil
		}
		return &SubscribeResult{Success: true, PendingVerification: true, Message: "subscription pending verification"}, nil
	}

	if err := c.subscribeToOwnHub(ctx, topic, result.FeedURL); err != nil {
		return &SubscribeResult{Message: fmt.Sprintf("fallback subscribe failed: %v", err)}, nil
	}
	return &SubscribeResult{Success: true, Message: "subscribed via polling fallback"}, nil
}

// UnsubscribeFromFeed removes the caller's UserCallback for topic. When no
// UserCallback remains interested in topic, the underlying
// ExternalSubscription is torn down too (unsubscribing from the upstream
// hub, or simply dropped for the polling fallback).
func (c *Client) UnsubscribeFromFeed(ctx context.Context, topic, userCallbackURL string) error {
	uc, err := c.store.GetUserCallbackByTopicAndURL(topic, userCallbackURL)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if uc != nil {
		if err := c.store.DeleteUserCallback(uc.ID); err != nil {
			return err
		}
	}

	remaining, err := c.store.ListUserCallbacksByTopic(topic)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	ext, err := c.store.GetExternalSubscriptionByTopic(topic)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	if !ext.UsingFallback {
		form := url.Values{}
		form.Set("hub.mode", "unsubscribe")
		form.Set("hub.topic", ext.Topic)
		form.Set("hub.callback", strings.TrimSuffix(c.cfg.BaseURL, "/")+ext.CallbackPath)

		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, ext.Hub, strings.NewReader(form.Encode()))
		if rerr == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("User-Agent", c.cfg.UserAgent)
			if resp, derr := c.httpClient.Do(req); derr == nil {
				resp.Body.Close()
			} else {
				log.WithError(derr).Warnf("external: failed to notify upstream hub of unsubscribe for %s", ext.Topic)
			}
		}
	}

	return c.store.DeleteExternalSubscription(ext.ID)
}

func (c *Client) ensureUserCallback(topic, callbackURL string) error {
	existing, err := c.store.GetUserCallbackByTopicAndURL(topic, callbackURL)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	now := time.Now()
	if existing != nil {
		if existing.Verified {
			return nil
		}
		existing.VerificationToken = generateToken()
		existing.VerificationExpires = now.Add(userCallbackVerificationWindow)
		if err := c.store.UpdateUserCallback(existing); err != nil {
			return err
		}
		return c.sendUserCallbackVerification(existing)
	}

	uc := &model.UserCallback{
		ID:                  shortuuid.New(),
		Topic:               topic,
		CallbackURL:         callbackURL,
		VerificationToken:   generateToken(),
		VerificationExpires: now.Add(userCallbackVerificationWindow),
	}
	if err := c.store.CreateUserCallback(uc); err != nil {
		return err
	}
	return c.sendUserCallbackVerification(uc)
}

// sendUserCallbackVerification GETs the callback with mode=verify&token=X
// and expects the echoed token back, verifying ownership before any
// content is ever relayed there.
func (c *Client) sendUserCallbackVerification(uc *model.UserCallback) error {
	u, err := url.Parse(uc.CallbackURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("mode", "verify")
	q.Set("token", uc.VerificationToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && strings.TrimSpace(string(body)) == uc.VerificationToken {
		uc.Verified = true
		uc.VerificationToken = ""
		return c.store.UpdateUserCallback(uc)
	}

	return nil
}

// VerifyUserCallbackByToken backs `GET /api/webhook/verify/:token`: a
// manual confirmation path for callback owners whose service can't respond
// to the synchronous ?mode=verify&token=X GET
// sendUserCallbackVerification issues.
func (c *Client) VerifyUserCallbackByToken(token string) (bool, error) {
	uc, err := c.store.GetUserCallbackByToken(token)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	uc.Verified = true
	uc.VerificationToken = ""
	if err := c.store.UpdateUserCallback(uc); err != nil {
		return false, err
	}
	return true, nil
}

func generateToken() string { return shortuuid.New() }
