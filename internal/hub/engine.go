// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hub implements the WebSub hub protocol engine: subscription
// intake and verification, publish handling, and content fan-out, all
// driven through the durable internal/store and internal/queue so no
// accepted work is lost on restart.
package hub

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lithammer/shortuuid/v3"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

const verificationWindow = 15 * time.Minute

// Config carries the engine's tunables, sourced from internal/config.
type Config struct {
	HubURL              string
	DefaultLeaseSeconds int
	MaxLeaseSeconds     int
	WebhookTimeout      time.Duration
	UserAgent           string
}

// Engine is the hub protocol engine: subscribe/unsubscribe, publish, and
// content fan-out, instantiated with its dependencies rather than reaching
// for globals.
type Engine struct {
	store  *store.Store
	queue  *queue.Dispatcher
	client *http.Client
	cfg    Config
}

// New builds an Engine.
func New(st *store.Store, disp *queue.Dispatcher, cfg Config) *Engine {
	return &Engine{
		store: st,
		queue: disp,
		client: &http.Client{
			Timeout: cfg.WebhookTimeout,
		},
		cfg: cfg,
	}
}

// RegisterHandlers binds this engine's queue.Handlers to disp. Call once
// during startup, before disp.Start.
func (e *Engine) RegisterHandlers(disp *queue.Dispatcher) {
	disp.RegisterHandler(queue.TagVerify, e.handleVerify)
	disp.RegisterHandler(queue.TagDistribute, e.handleDistribute)
}

// ProcessSubscriptionRequest handles subscribe/unsubscribe intake: it
// validates the request, durably persists a pending Subscription, and
// enqueues its Verify message before returning — the Verify enqueue MUST
// succeed before the caller replies 202, or a lost verification leaves the
// subscription pending forever.
func (e *Engine) ProcessSubscriptionRequest(mode, topic, callback string, leaseSeconds *int, secret []byte) (subscriptionID string, err error) {
	if mode != "subscribe" && mode != "unsubscribe" {
		return "", clientErrorf("hub.mode must be subscribe or unsubscribe, got %q", mode)
	}

	topicURL, err := parseAbsoluteURL(topic)
	if err != nil {
		return "", clientErrorf("hub.topic: %v", err)
	}
	callbackURL, err := parseAbsoluteURL(callback)
	if err != nil {
		return "", clientErrorf("hub.callback: %v", err)
	}

	lease := e.cfg.DefaultLeaseSeconds
	if leaseSeconds != nil {
		if *leaseSeconds < 1 || *leaseSeconds > e.cfg.MaxLeaseSeconds {
			return "", clientErrorf("hub.lease_seconds out of range [1, %d]", e.cfg.MaxLeaseSeconds)
		}
		lease = *leaseSeconds
	}

	if len(secret) > 200 {
		return "", clientErrorf("hub.secret must be at most 200 bytes")
	}

	now := time.Now()
	sub, err := e.store.GetSubscriptionByTopicAndCallback(topicURL.String(), callbackURL.String())
	isNew := err == store.ErrNotFound
	if err != nil && !isNew {
		return "", err
	}

	if isNew {
		sub = &model.Subscription{
			ID:       newID(),
			Topic:    topicURL.String(),
			Callback: callbackURL.String(),
			Created:  now,
		}
	}

	sub.Secret = secret
	sub.LeaseSeconds = lease
	sub.Verified = false
	sub.Challenge = generateChallenge()
	sub.VerificationToken = generateChallenge()
	sub.VerificationExpires = now.Add(verificationWindow)
	// Expires is set from the request instant so unconfirmed rows still age
	// out; handleVerify recomputes it from the confirmation instant once
	// the subscriber actually confirms.
	sub.Expires = now.Add(time.Duration(lease) * time.Second)

	if isNew {
		if cerr := e.store.CreateSubscription(sub); cerr != nil {
			return "", cerr
		}
	} else {
		if uerr := e.store.UpdateSubscription(sub); uerr != nil {
			return "", uerr
		}
	}

	verifyMsg := queue.Verify{
		SubscriptionID: sub.ID,
		Mode:           mode,
		Challenge:      sub.Challenge,
		Topic:          sub.Topic,
		Token:          sub.VerificationToken,
	}
	if mode == "subscribe" {
		verifyMsg.LeaseSeconds = lease
	}

	if _, err := e.queue.Enqueue(verifyMsg, 0); err != nil {
		return "", fmt.Errorf("enqueue verify: %w", err)
	}

	return sub.ID, nil
}

// ProcessPublishRequest handles a hub.mode=publish ping: fetch the topic
// and, on success, fan it out via ProcessContentNotification.
func (e *Engine) ProcessPublishRequest(ctx context.Context, topic string) (int, error) {
	topicURL, err := parseAbsoluteURL(topic)
	if err != nil {
		return 0, clientErrorf("hub.topic: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topicURL.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch topic %s: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("fetch topic %s: status %d", topic, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read topic %s: %w", topic, err)
	}

	return e.ProcessContentNotification(topicURL.String(), body, resp.Header.Get("Content-Type"))
}

// ProcessContentNotification fans out new content: every verified
// Subscription for topic gets a Distribute message carrying body verbatim.
func (e *Engine) ProcessContentNotification(topic string, body []byte, contentType string) (int, error) {
	if contentType == "" {
		contentType = "application/rss+xml"
	}

	subs, err := e.store.ListSubscriptionsByTopic(topic)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sub := range subs {
		if !sub.Verified {
			continue
		}
		_, err := e.queue.Enqueue(queue.Distribute{
			SubscriptionID: sub.ID,
			ContentType:    contentType,
			Body:           body,
			SignatureKey:   sub.Secret,
			Topic:          topic,
			HubURL:         e.cfg.HubURL,
		}, 0)
		if err != nil {
			log.WithError(err).Errorf("hub: failed to enqueue distribute for subscription %s", sub.ID)
			continue
		}
		count++
	}

	return count, nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("URL %q must be absolute", raw)
	}
	return u, nil
}

func generateChallenge() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func newID() string { return shortuuid.New() }
