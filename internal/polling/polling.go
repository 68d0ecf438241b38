// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package polling implements the fallback polling engine: the hub acting
// as an ordinary feed reader for sources that never advertised a WebSub
// hub, detecting new entries via conditional GET and synthesizing the same
// content notification a real hub push would have produced.
package polling

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/lithammer/shortuuid/v3"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/feedparser"
	"git.mills.io/prologic/superduperfeeder/internal/hub"
	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// maxJitter bounds the random offset subtracted from a feed's effective
// lastFetched so many feeds sharing a deadline don't all come due at once.
const maxJitter = 5 * time.Minute

// maxFetchBytes caps how much of a feed response body is read; a
// misbehaving or malicious feed shouldn't be able to exhaust memory.
const maxFetchBytes = 10 * humanize.MByte

// Config carries the engine's tunables.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Engine is the Polling engine.
type Engine struct {
	store      *store.Store
	hub        *hub.Engine
	httpClient *http.Client
	cfg        Config

	leaseMu sync.Mutex
	leased  map[string]struct{}
}

// New builds an Engine.
func New(st *store.Store, hubEngine *hub.Engine, cfg Config) *Engine {
	return &Engine{
		store:      st,
		hub:        hubEngine,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		leased:     make(map[string]struct{}),
	}
}

// acquireLease obtains a short-lived per-feed lease so the dispatcher's
// worker pool never runs two polls of the same feed concurrently (e.g. a
// slow poll still in flight when the next tick's EnqueueDueFeeds
// re-enqueues the same due feed). Single-node only.
func (e *Engine) acquireLease(feedID string) bool {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	if _, held := e.leased[feedID]; held {
		return false
	}
	e.leased[feedID] = struct{}{}
	return true
}

func (e *Engine) releaseLease(feedID string) {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	delete(e.leased, feedID)
}

// RegisterHandlers binds this engine's queue.Handlers. Call before
// disp.Start.
func (e *Engine) RegisterHandlers(disp *queue.Dispatcher) {
	disp.RegisterHandler(queue.TagPollFeed, e.handlePollFeed)
}

// DueFeeds returns the feeds that are due for polling right now, with each
// feed's lastFetched jittered by a uniform 0-maxJitter offset to avoid a
// thundering herd.
func (e *Engine) DueFeeds(now time.Time) ([]*model.Feed, error) {
	feeds, err := e.store.ListFeeds()
	if err != nil {
		return nil, err
	}

	var due []*model.Feed
	for _, f := range feeds {
		effective := f.LastFetched
		if !effective.IsZero() {
			jitter := time.Duration(rand.Int63n(int64(maxJitter)))
			effective = effective.Add(-jitter)
		}
		if f.Due(now, effective) {
			due = append(due, f)
		}
	}
	return due, nil
}

// EnqueueDueFeeds enumerates due feeds and enqueues a PollFeed message for
// each, for the scheduler's periodic poll tick.
func (e *Engine) EnqueueDueFeeds(ctx context.Context, disp *queue.Dispatcher) (int, error) {
	due, err := e.DueFeeds(time.Now())
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, f := range due {
		if _, err := disp.Enqueue(queue.PollFeed{FeedID: f.ID}, 0); err != nil {
			log.WithError(err).Errorf("polling: failed to enqueue poll for feed %s", f.ID)
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

func (e *Engine) handlePollFeed(ctx context.Context, m queue.Message) error {
	msg, ok := m.(queue.PollFeed)
	if !ok {
		return fmt.Errorf("polling: handlePollFeed: unexpected message type %T", m)
	}

	if !e.acquireLease(msg.FeedID) {
		log.Debugf("polling: feed %s already has a poll in flight, skipping", msg.FeedID)
		return nil
	}
	defer e.releaseLease(msg.FeedID)

	feed, err := e.store.GetFeed(msg.FeedID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	return e.poll(ctx, feed)
}

func (e *Engine) poll(ctx context.Context, feed *model.Feed) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return e.fail(feed, err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return e.fail(feed, err)
	}
	defer resp.Body.Close()

	now := time.Now()

	if resp.StatusCode == http.StatusNotModified {
		feed.LastFetched = now
		return e.store.UpdateFeed(feed)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return e.fail(feed, fmt.Errorf("feed %s returned status %d", feed.URL, resp.StatusCode))
	}

	limited := io.LimitReader(resp.Body, maxFetchBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return e.fail(feed, err)
	}
	if len(body) > maxFetchBytes {
		log.Warnf("feed %s exceeds max fetch limit of %s, truncating", feed.URL, humanize.Bytes(uint64(maxFetchBytes)))
		body = body[:maxFetchBytes]
	}

	contentType := resp.Header.Get("Content-Type")

	parsed, err := feedparser.Parse(body, contentType)
	if err != nil {
		return e.fail(feed, err)
	}

	feed.LastFetched = now
	feed.ETag = resp.Header.Get("ETag")
	feed.LastModified = resp.Header.Get("Last-Modified")
	if parsed.Title != "" {
		feed.Title = parsed.Title
	}
	if parsed.Description != "" {
		feed.Description = parsed.Description
	}

	if parsed.HubURL != "" {
		feed.SupportsWebSub = true
		feed.WebSubHub = parsed.HubURL
	}

	newCount, newest, err := e.upsertEntries(feed, parsed.Entries)
	if err != nil {
		return e.fail(feed, err)
	}

	if newest != "" {
		feed.LastProcessedEntryID = newest
	}
	if newCount > 0 {
		feed.LastUpdated = now
	}
	feed.ErrorCount = 0
	feed.LastError = ""
	feed.LastErrorTime = time.Time{}

	if err := e.store.UpdateFeed(feed); err != nil {
		return err
	}

	if newCount > 0 {
		if _, err := e.hub.ProcessContentNotification(feed.URL, body, contentType); err != nil {
			log.WithError(err).Errorf("polling: content notification failed for feed %s", feed.ID)
		}
	}

	return nil
}

// upsertEntries walks entries newest-first, stopping at the feed's
// previously recorded lastProcessedEntryId, and upserts anything not
// already known or strictly newer than what's stored.
func (e *Engine) upsertEntries(feed *model.Feed, entries []feedparser.Entry) (newCount int, newest string, err error) {
	sorted := make([]feedparser.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return entryTime(sorted[i]).After(entryTime(sorted[j]))
	})

	for i, entry := range sorted {
		if entry.GUID == "" {
			continue
		}
		if i == 0 {
			newest = entry.GUID
		}
		if entry.GUID == feed.LastProcessedEntryID {
			break
		}

		existing, lookupErr := e.store.GetFeedItemByGUID(feed.ID, entry.GUID)
		if lookupErr != nil && lookupErr != store.ErrNotFound {
			return newCount, newest, lookupErr
		}
		if existing != nil && !entryTime(entry).After(existing.EffectiveTime()) {
			continue
		}

		item := &model.FeedItem{
			ID:         shortuuid.New(),
			FeedID:     feed.ID,
			GUID:       entry.GUID,
			URL:        entry.URL,
			Title:      entry.Title,
			Author:     entry.Author,
			Published:  entry.Published,
			Updated:    entry.Updated,
			Categories: entry.Categories,
		}
		if existing != nil {
			item.ID = existing.ID
		}
		if err := e.store.UpsertFeedItem(item); err != nil {
			return newCount, newest, err
		}
		if existing == nil {
			newCount++
		}
	}

	return newCount, newest, nil
}

func entryTime(e feedparser.Entry) time.Time {
	if !e.Updated.IsZero() {
		return e.Updated
	}
	return e.Published
}

func (e *Engine) fail(feed *model.Feed, cause error) error {
	feed.ErrorCount++
	feed.LastError = cause.Error()
	feed.LastErrorTime = time.Now()
	if err := e.store.UpdateFeed(feed); err != nil {
		log.WithError(err).Errorf("polling: failed to persist error state for feed %s", feed.ID)
	}
	return cause
}
