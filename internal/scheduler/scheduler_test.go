// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mills.io/prologic/superduperfeeder/internal/external"
	"git.mills.io/prologic/superduperfeeder/internal/hub"
	"git.mills.io/prologic/superduperfeeder/internal/model"
	"git.mills.io/prologic/superduperfeeder/internal/polling"
	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

func TestExpireSubscriptionsDeletesOnlyElapsedLeases(t *testing.T) {
	assert := assert.New(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 2, 10*time.Millisecond)
	h := hub.New(st, disp, hub.Config{HubURL: "https://hub.example.com/", DefaultLeaseSeconds: 86400, MaxLeaseSeconds: 2592000, WebhookTimeout: time.Second, UserAgent: "test"})
	pollEngine := polling.New(st, h, polling.Config{UserAgent: "test", Timeout: time.Second})
	extClient := external.New(st, disp, external.Config{BaseURL: "https://relay.example.com", DefaultLease: 86400, MaxLease: 2592000, WebhookTimeout: time.Second, UserAgent: "test", RenewalWindow: time.Hour, DefaultPollingInterval: 60})

	s := New(st, disp, pollEngine, extClient)

	require.NoError(t, st.CreateSubscription(&model.Subscription{
		ID: "expired", Topic: "https://a.example.com", Callback: "https://cb.example.com/a",
		Created: time.Now().Add(-2 * time.Hour), Expires: time.Now().Add(-time.Hour), Verified: true,
	}))
	require.NoError(t, st.CreateSubscription(&model.Subscription{
		ID: "live", Topic: "https://b.example.com", Callback: "https://cb.example.com/b",
		Created: time.Now(), Expires: time.Now().Add(time.Hour), Verified: true,
	}))

	n, err := s.expireSubscriptions()
	assert.NoError(err)
	assert.Equal(1, n)

	_, err = st.GetSubscription("expired")
	assert.ErrorIs(err, store.ErrNotFound)

	_, err = st.GetSubscription("live")
	assert.NoError(err)
}

func TestExpireSubscriptionsReapsUnverifiedPastVerificationWindow(t *testing.T) {
	assert := assert.New(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 2, 10*time.Millisecond)
	h := hub.New(st, disp, hub.Config{HubURL: "https://hub.example.com/", DefaultLeaseSeconds: 86400, MaxLeaseSeconds: 2592000, WebhookTimeout: time.Second, UserAgent: "test"})
	pollEngine := polling.New(st, h, polling.Config{UserAgent: "test", Timeout: time.Second})
	extClient := external.New(st, disp, external.Config{BaseURL: "https://relay.example.com", DefaultLease: 86400, MaxLease: 2592000, WebhookTimeout: time.Second, UserAgent: "test", RenewalWindow: time.Hour, DefaultPollingInterval: 60})

	s := New(st, disp, pollEngine, extClient)

	// Never verified and its verification window lapsed; Expires is still
	// the far-future lease deadline set at creation, so only the
	// verification-window check reaps it.
	require.NoError(t, st.CreateSubscription(&model.Subscription{
		ID: "stale-pending", Topic: "https://c.example.com", Callback: "https://cb.example.com/c",
		Created: time.Now().Add(-time.Hour), Expires: time.Now().Add(24 * time.Hour),
		Verified: false, VerificationExpires: time.Now().Add(-time.Minute),
	}))
	// Never verified but still within its verification window: must survive.
	require.NoError(t, st.CreateSubscription(&model.Subscription{
		ID: "fresh-pending", Topic: "https://d.example.com", Callback: "https://cb.example.com/d",
		Created: time.Now(), Expires: time.Now().Add(24 * time.Hour),
		Verified: false, VerificationExpires: time.Now().Add(15 * time.Minute),
	}))

	n, err := s.expireSubscriptions()
	assert.NoError(err)
	assert.Equal(1, n)

	_, err = st.GetSubscription("stale-pending")
	assert.ErrorIs(err, store.ErrNotFound)

	_, err = st.GetSubscription("fresh-pending")
	assert.NoError(err)
}

func TestAddJobsRejectsInvalidSchedule(t *testing.T) {
	assert := assert.New(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disp := queue.NewDispatcher(st, 2, 10*time.Millisecond)
	h := hub.New(st, disp, hub.Config{HubURL: "https://hub.example.com/", DefaultLeaseSeconds: 86400, MaxLeaseSeconds: 2592000, WebhookTimeout: time.Second, UserAgent: "test"})
	pollEngine := polling.New(st, h, polling.Config{UserAgent: "test", Timeout: time.Second})
	extClient := external.New(st, disp, external.Config{BaseURL: "https://relay.example.com", DefaultLease: 86400, MaxLease: 2592000, WebhookTimeout: time.Second, UserAgent: "test", RenewalWindow: time.Hour, DefaultPollingInterval: 60})

	s := New(st, disp, pollEngine, extClient)
	err = s.AddJobs(context.Background(), Config{PollSchedule: "not-a-schedule", RenewalSchedule: "@every 10m", ExpirationSchedule: "@every 1h"})
	assert.Error(err)
}
