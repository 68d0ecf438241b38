// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package hub

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *queue.Dispatcher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 4, 10*time.Millisecond)
	e := New(st, disp, Config{
		HubURL:              "https://hub.example.com/",
		DefaultLeaseSeconds: 86400,
		MaxLeaseSeconds:     2592000,
		WebhookTimeout:      5 * time.Second,
		UserAgent:           "SuperDuperFeeder/test",
	})
	e.RegisterHandlers(disp)
	return e, st, disp
}

func TestProcessSubscriptionRequestValidatesURLs(t *testing.T) {
	assert := assert.New(t)
	e, _, _ := newTestEngine(t)

	_, err := e.ProcessSubscriptionRequest("subscribe", "not-a-url", "https://sub.example.com/cb", nil, nil)
	assert.Error(err)
	assert.True(IsClientError(err))
}

func TestProcessSubscriptionRequestSetsExpiresAtCreation(t *testing.T) {
	assert := assert.New(t)
	e, st, _ := newTestEngine(t)

	lease := 3600
	id, err := e.ProcessSubscriptionRequest("subscribe", "https://ex.com/never-confirms", "https://sub.example.com/cb", &lease, nil)
	assert.NoError(err)

	sub, err := st.GetSubscription(id)
	assert.NoError(err)
	assert.False(sub.Verified)
	assert.WithinDuration(time.Now().Add(3600*time.Second), sub.Expires, 5*time.Second)
}

func TestSubscribeHappyPath(t *testing.T) {
	assert := assert.New(t)
	e, st, disp := newTestEngine(t)

	var gotChallenge string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotChallenge = r.URL.Query().Get("hub.challenge")
		assert.Equal("subscribe", r.URL.Query().Get("hub.mode"))
		_, _ = w.Write([]byte(gotChallenge))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)
	defer disp.Stop()

	lease := 3600
	id, err := e.ProcessSubscriptionRequest("subscribe", "https://ex.com/a", srv.URL+"/cb", &lease, nil)
	assert.NoError(err)
	assert.NotEmpty(id)

	assert.Eventually(func() bool {
		sub, err := st.GetSubscription(id)
		return err == nil && sub.Verified
	}, 2*time.Second, 10*time.Millisecond)

	sub, err := st.GetSubscription(id)
	assert.NoError(err)
	assert.True(sub.Verified)
	assert.Empty(sub.VerificationToken)
	assert.WithinDuration(time.Now().Add(3600*time.Second), sub.Expires, 5*time.Second)
}

func TestPublishFanOutDeliversBodyVerbatim(t *testing.T) {
	assert := assert.New(t)
	e, st, disp := newTestEngine(t)

	var delivered int32
	var gotBody []byte
	var gotLink string
	subSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Verification round-trip: echo the challenge to confirm.
			_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))
			return
		}
		gotBody, _ = io.ReadAll(r.Body)
		gotLink = r.Header.Get("Link")
		atomic.AddInt32(&delivered, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer subSrv.Close()

	topicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte("<rss>hello</rss>"))
	}))
	defer topicSrv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	disp.Start(ctx)
	defer disp.Stop()

	lease := 3600
	id, err := e.ProcessSubscriptionRequest("subscribe", topicSrv.URL, subSrv.URL, &lease, nil)
	require.NoError(t, err)

	assert.Eventually(func() bool {
		sub, err := st.GetSubscription(id)
		return err == nil && sub.Verified
	}, 2*time.Second, 10*time.Millisecond)

	count, err := e.ProcessPublishRequest(context.Background(), topicSrv.URL)
	assert.NoError(err)
	assert.Equal(1, count)

	assert.Eventually(func() bool {
		return atomic.LoadInt32(&delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal("<rss>hello</rss>", string(gotBody))
	assert.Contains(gotLink, `rel="hub"`)
}
