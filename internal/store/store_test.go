// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.mills.io/prologic/superduperfeeder/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "store")
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubscriptionCRUD(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	sub := &model.Subscription{
		ID:           "sub-1",
		Topic:        "https://example.com/feed.xml",
		Callback:     "https://sub.example.com/cb",
		LeaseSeconds: 86400,
		Created:      time.Now(),
	}

	assert.NoError(s.CreateSubscription(sub))
	assert.ErrorIs(s.CreateSubscription(sub), ErrAlreadyExists)

	got, err := s.GetSubscription(sub.ID)
	assert.NoError(err)
	assert.Equal(sub.Topic, got.Topic)

	byTopicCB, err := s.GetSubscriptionByTopicAndCallback(sub.Topic, sub.Callback)
	assert.NoError(err)
	assert.Equal(sub.ID, byTopicCB.ID)

	got.Verified = true
	assert.NoError(s.UpdateSubscription(got))

	again, err := s.GetSubscription(sub.ID)
	assert.NoError(err)
	assert.True(again.Verified)

	list, err := s.ListSubscriptionsByTopic(sub.Topic)
	assert.NoError(err)
	assert.Len(list, 1)

	assert.NoError(s.DeleteSubscription(sub.ID))
	assert.NoError(s.DeleteSubscription(sub.ID)) // idempotent

	_, err = s.GetSubscription(sub.ID)
	assert.ErrorIs(err, ErrNotFound)
}

func TestCreateSubscriptionRejectsConcurrentDuplicates(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	const workers = 8
	var successes int64

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			sub := &model.Subscription{
				ID:           "sub-race-" + string(rune('a'+i)),
				Topic:        "https://example.com/race-feed.xml",
				Callback:     "https://sub.example.com/race-cb",
				LeaseSeconds: 86400,
				Created:      time.Now(),
			}
			if err := s.CreateSubscription(sub); err == nil {
				atomic.AddInt64(&successes, 1)
			} else {
				assert.ErrorIs(err, ErrAlreadyExists)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(1, successes, "exactly one concurrent create for the same (topic, callback) must win")

	list, err := s.ListSubscriptionsByTopic("https://example.com/race-feed.xml")
	assert.NoError(err)
	assert.Len(list, 1, "no orphaned duplicate row should be left behind")
}

func TestFeedItemUpsertOverwritesSameGUID(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	first := &model.FeedItem{ID: "item-1", FeedID: "feed-1", GUID: "guid-a", Title: "v1"}
	assert.NoError(s.UpsertFeedItem(first))

	second := &model.FeedItem{ID: "item-2", FeedID: "feed-1", GUID: "guid-a", Title: "v2"}
	assert.NoError(s.UpsertFeedItem(second))
	assert.Equal("item-1", second.ID, "upsert must reuse the existing row id")

	got, err := s.GetFeedItemByGUID("feed-1", "guid-a")
	assert.NoError(err)
	assert.Equal("v2", got.Title)

	items, err := s.ListFeedItemsByFeed("feed-1")
	assert.NoError(err)
	assert.Len(items, 1)
}

func TestFeedDueDrivesQueueableFeeds(t *testing.T) {
	assert := assert.New(t)
	s := newTestStore(t)

	f := &model.Feed{
		ID:                     "feed-1",
		URL:                    "https://example.com/feed.xml",
		Active:                 true,
		PollingIntervalMinutes: 60,
	}
	assert.NoError(s.CreateFeed(f))

	got, err := s.GetFeedByURL(f.URL)
	assert.NoError(err)
	assert.True(got.Due(time.Now(), time.Time{}))

	got.SupportsWebSub = true
	assert.NoError(s.UpdateFeed(got))
	assert.False(got.Due(time.Now(), time.Time{}))
}
