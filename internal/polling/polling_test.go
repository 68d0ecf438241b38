// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package polling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mills.io/prologic/superduperfeeder/internal/hub"
	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Feed</title>
  <entry>
    <id>tag:example.com,2026:1</id>
    <title>First post</title>
    <updated>2026-07-30T12:00:00Z</updated>
  </entry>
</feed>`

func newTestEngine(t *testing.T) (*Engine, *store.Store, *hub.Engine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 4, 10*time.Millisecond)
	h := hub.New(st, disp, hub.Config{
		HubURL:              "https://hub.example.com/",
		DefaultLeaseSeconds: 86400,
		MaxLeaseSeconds:     2592000,
		WebhookTimeout:      5 * time.Second,
		UserAgent:           "SuperDuperFeeder/test",
	})
	h.RegisterHandlers(disp)

	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	t.Cleanup(func() {
		disp.Stop()
		cancel()
	})

	e := New(st, h, Config{UserAgent: "SuperDuperFeeder/test", Timeout: 5 * time.Second})
	return e, st, h
}

func TestPollFeedDiscoversNewEntryAndNotifiesSubscribers(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(atomFeed))
	}))
	defer srv.Close()

	var delivered int32
	subSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&delivered, 1)
	}))
	defer subSrv.Close()

	feed := &model.Feed{ID: "feed-1", URL: srv.URL, Active: true, PollingIntervalMinutes: 60}
	require.NoError(t, st.CreateFeed(feed))

	require.NoError(t, st.CreateSubscription(&model.Subscription{
		ID:           "sub-1",
		Topic:        srv.URL,
		Callback:     subSrv.URL,
		LeaseSeconds: 86400,
		Created:      time.Now(),
		Expires:      time.Now().Add(86400 * time.Second),
		Verified:     true,
	}))

	assert.NoError(e.poll(context.Background(), feed))

	got, err := st.GetFeed(feed.ID)
	assert.NoError(err)
	assert.Equal(`"v1"`, got.ETag)
	assert.Equal("tag:example.com,2026:1", got.LastProcessedEntryID)
	assert.False(got.LastUpdated.IsZero())

	items, err := st.ListFeedItemsByFeed(feed.ID)
	assert.NoError(err)
	require.Len(t, items, 1)
	assert.Equal("First post", items[0].Title)

	assert.Eventually(func() bool {
		return atomic.LoadInt32(&delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPollFeedHandlesNotModified(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(`"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	feed := &model.Feed{ID: "feed-2", URL: srv.URL, Active: true, PollingIntervalMinutes: 60, ETag: `"v1"`}
	require.NoError(t, st.CreateFeed(feed))

	assert.NoError(e.poll(context.Background(), feed))

	got, err := st.GetFeed(feed.ID)
	assert.NoError(err)
	assert.False(got.LastFetched.IsZero())
}

func TestPollFeedStopsBringingInFeedsThatSupportWebSub(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	feed := &model.Feed{ID: "feed-3", URL: "https://example.com/feed", Active: true, PollingIntervalMinutes: 60, SupportsWebSub: true}
	require.NoError(t, st.CreateFeed(feed))

	due, err := e.DueFeeds(time.Now())
	assert.NoError(err)
	assert.Empty(due)
}

func TestHandlePollFeedSkipsWhenLeaseHeld(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	feed := &model.Feed{ID: "feed-5", URL: "https://example.com/feed", Active: true, PollingIntervalMinutes: 60}
	require.NoError(t, st.CreateFeed(feed))

	require.True(t, e.acquireLease(feed.ID))
	defer e.releaseLease(feed.ID)

	assert.NoError(e.handlePollFeed(context.Background(), queue.PollFeed{FeedID: feed.ID}))

	got, err := st.GetFeed(feed.ID)
	assert.NoError(err)
	assert.True(got.LastFetched.IsZero(), "a leased feed must not be polled concurrently")
}

func TestPollFeedRecordsErrorOnNonSuccessStatus(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	feed := &model.Feed{ID: "feed-4", URL: srv.URL, Active: true, PollingIntervalMinutes: 60}
	require.NoError(t, st.CreateFeed(feed))

	err := e.poll(context.Background(), feed)
	assert.Error(err)

	got, err := st.GetFeed(feed.ID)
	assert.NoError(err)
	assert.Equal(1, got.ErrorCount)
	assert.NotEmpty(got.LastError)
}
