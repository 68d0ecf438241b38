// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"git.mills.io/prologic/superduperfeeder/internal/model"
)

// UpsertFeedItem creates a FeedItem, or overwrites the existing row for the
// same (feedId, guid) pair, keeping the unique index intact either way.
func (s *Store) UpsertFeedItem(item *model.FeedItem) error {
	idxKey := indexKey(tableFeedItemsByFeedGUID, item.FeedID, item.GUID)

	existingID, lookupErr := s.get(idxKey)
	if lookupErr != nil && lookupErr != ErrNotFound {
		return lookupErr
	}

	data, err := item.Bytes()
	if err != nil {
		return err
	}

	if lookupErr == ErrNotFound {
		return s.commit(
			put(rowKey(tableFeedItems, item.ID), data),
			put(idxKey, []byte(item.ID)),
		)
	}

	// Overwriting an existing item: keep its id, drop the caller's.
	item.ID = string(existingID)
	data, err = item.Bytes()
	if err != nil {
		return err
	}
	return s.commit(put(rowKey(tableFeedItems, item.ID), data))
}

// GetFeedItem fetches a FeedItem by id.
func (s *Store) GetFeedItem(id string) (*model.FeedItem, error) {
	data, err := s.get(rowKey(tableFeedItems, id))
	if err != nil {
		return nil, err
	}
	return model.LoadFeedItem(data)
}

// GetFeedItemByGUID fetches a FeedItem via its unique (feedId, guid) index.
func (s *Store) GetFeedItemByGUID(feedID, guid string) (*model.FeedItem, error) {
	id, err := s.get(indexKey(tableFeedItemsByFeedGUID, feedID, guid))
	if err != nil {
		return nil, err
	}
	return s.GetFeedItem(string(id))
}

// ListFeedItemsByFeed returns every FeedItem belonging to a feed. It scans
// every feed item row since bitcask has no composite range scan by feedId
// alone (the secondary index is keyed by (feedId, guid) together); this is
// acceptable for the admin projection and tests, not on any hot path.
func (s *Store) ListFeedItemsByFeed(feedID string) ([]*model.FeedItem, error) {
	var out []*model.FeedItem

	err := s.scan(rowKey(tableFeedItems, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		item, err := model.LoadFeedItem(data)
		if err != nil {
			return err
		}
		if item.FeedID == feedID {
			out = append(out, item)
		}
		return nil
	})

	return out, err
}
