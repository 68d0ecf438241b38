// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

func newTestClient(t *testing.T) (*Client, *store.Store, *queue.Dispatcher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 4, 10*time.Millisecond)
	c := New(st, disp, Config{
		BaseURL:                "https://relay.example.com",
		DefaultLease:           86400,
		MaxLease:               2592000,
		WebhookTimeout:         5 * time.Second,
		UserAgent:              "SuperDuperFeeder/test",
		RenewalWindow:          time.Hour,
		DefaultPollingInterval: 60,
	})
	c.RegisterHandlers(disp)
	return c, st, disp
}

func TestSubscribeToFeedFallsBackToPollingWhenNoHub(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="alternate" type="application/rss+xml" href="/feed.xml"></head></html>`))
	}))
	defer srv.Close()

	result, err := c.SubscribeToFeed(context.Background(), srv.URL+"/", "")
	assert.NoError(err)
	assert.True(result.Success)

	exts, err := st.ListExternalSubscriptions()
	assert.NoError(err)
	require.Len(t, exts, 1)
	assert.True(exts[0].UsingFallback)
	assert.True(exts[0].Verified)

	feeds, err := st.ListFeeds()
	assert.NoError(err)
	require.Len(t, feeds, 1)
	assert.Equal(60, feeds[0].PollingIntervalMinutes)
}

func TestSubscribeToFeedUsesExternalHubWhenAdvertised(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	var gotMode string
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotMode = r.Form.Get("hub.mode")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hub.Close()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<`+hub.URL+`>; rel="hub"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html></html>`))
	}))
	defer feed.Close()

	result, err := c.SubscribeToFeed(context.Background(), feed.URL+"/", "")
	assert.NoError(err)
	assert.True(result.Success)
	assert.True(result.PendingVerification)
	assert.Equal("subscribe", gotMode)

	exts, err := st.ListExternalSubscriptions()
	assert.NoError(err)
	require.Len(t, exts, 1)
	assert.False(exts[0].UsingFallback)
	assert.False(exts[0].Verified)
	assert.Equal(hub.URL, exts[0].Hub)
}

func TestHandleCallbackCompletesVerificationAndEchoesChallenge(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hubSrv.Close()

	topic := "https://example.com/feed.xml"
	require.NoError(t, c.subscribeToExternalHub(context.Background(), topic, hubSrv.URL+"/"))

	exts, err := st.ListExternalSubscriptions()
	require.NoError(t, err)
	require.Len(t, exts, 1)

	lease := 3600
	res, err := c.HandleCallback(exts[0].CallbackPath, "subscribe", topic, "chal-123", &lease, nil, "")
	assert.NoError(err)
	assert.Equal("chal-123", res.Echo)

	got, err := st.GetExternalSubscription(exts[0].ID)
	assert.NoError(err)
	assert.True(got.Verified)
}

func TestCleanupExpiredVerificationsRemovesStaleUserCallbacks(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	// The user's callback answers but never echoes the token, so the row
	// stays unverified.
	userSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer userSrv.Close()

	require.NoError(t, c.ensureUserCallback("https://example.com/feed.xml", userSrv.URL+"/cb"))
	ucs, err := st.ListUserCallbacks()
	require.NoError(t, err)
	require.Len(t, ucs, 1)

	ucs[0].VerificationExpires = time.Now().Add(-time.Hour)
	require.NoError(t, st.UpdateUserCallback(ucs[0]))

	deleted, err := c.CleanupExpiredVerifications()
	assert.NoError(err)
	assert.Equal(1, deleted)

	remaining, err := st.ListUserCallbacks()
	assert.NoError(err)
	assert.Empty(remaining)
}

func TestFallbackUnverifiedSubscriptionsFallsBackAfterTimeout(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(`<rss><channel><item><guid>1</guid></item></channel></rss>`))
	}))
	defer srv.Close()

	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hubSrv.Close()

	require.NoError(t, c.subscribeToExternalHub(context.Background(), srv.URL+"/feed.xml", hubSrv.URL+"/"))

	exts, err := st.ListExternalSubscriptions()
	require.NoError(t, err)
	require.Len(t, exts, 1)
	assert.False(exts[0].Verified)

	// Not yet past the timeout: no fallback.
	n, err := c.FallbackUnverifiedSubscriptions(context.Background())
	assert.NoError(err)
	assert.Equal(0, n)

	exts[0].Created = time.Now().Add(-2 * externalVerificationTimeout)
	require.NoError(t, st.UpdateExternalSubscription(exts[0]))

	n, err = c.FallbackUnverifiedSubscriptions(context.Background())
	assert.NoError(err)
	assert.Equal(1, n)

	got, err := st.GetExternalSubscription(exts[0].ID)
	assert.NoError(err)
	assert.True(got.Verified)
	assert.True(got.UsingFallback)

	feed, err := st.GetFeedByURL(srv.URL + "/feed.xml")
	assert.NoError(err)
	assert.True(feed.Active)
}

func TestFallbackUnverifiedSubscriptionsLeavesUnparseableTopicPending(t *testing.T) {
	assert := assert.New(t)
	c, st, _ := newTestClient(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hubSrv.Close()

	require.NoError(t, c.subscribeToExternalHub(context.Background(), srv.URL+"/feed.xml", hubSrv.URL+"/"))

	exts, err := st.ListExternalSubscriptions()
	require.NoError(t, err)
	require.Len(t, exts, 1)

	exts[0].Created = time.Now().Add(-2 * externalVerificationTimeout)
	require.NoError(t, st.UpdateExternalSubscription(exts[0]))

	n, err := c.FallbackUnverifiedSubscriptions(context.Background())
	assert.NoError(err)
	assert.Equal(0, n)

	got, err := st.GetExternalSubscription(exts[0].ID)
	assert.NoError(err)
	assert.False(got.Verified)
	assert.NotEmpty(got.LastError)
}
