// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"git.mills.io/prologic/superduperfeeder/internal/model"
)

// CreateFeed inserts a new Feed row and its url index atomically.
func (s *Store) CreateFeed(feed *model.Feed) error {
	idxKey := indexKey(tableFeedsByURL, feed.URL)

	data, err := feed.Bytes()
	if err != nil {
		return err
	}

	return s.commitUnique([][]byte{idxKey},
		put(rowKey(tableFeeds, feed.ID), data),
		put(idxKey, []byte(feed.ID)),
	)
}

// UpdateFeed overwrites an existing Feed row. URL is immutable once created.
func (s *Store) UpdateFeed(feed *model.Feed) error {
	data, err := feed.Bytes()
	if err != nil {
		return err
	}
	return s.commit(put(rowKey(tableFeeds, feed.ID), data))
}

// GetFeed fetches a Feed by id.
func (s *Store) GetFeed(id string) (*model.Feed, error) {
	data, err := s.get(rowKey(tableFeeds, id))
	if err != nil {
		return nil, err
	}
	return model.LoadFeed(data)
}

// GetFeedByURL fetches a Feed via its unique url index.
func (s *Store) GetFeedByURL(url string) (*model.Feed, error) {
	id, err := s.get(indexKey(tableFeedsByURL, url))
	if err != nil {
		return nil, err
	}
	return s.GetFeed(string(id))
}

// DeleteFeed removes a Feed row and its url index.
func (s *Store) DeleteFeed(id string) error {
	feed, err := s.GetFeed(id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	return s.commit(
		del(rowKey(tableFeeds, id)),
		del(indexKey(tableFeedsByURL, feed.URL)),
	)
}

// ListFeeds returns every Feed row.
func (s *Store) ListFeeds() ([]*model.Feed, error) {
	var out []*model.Feed

	err := s.scan(rowKey(tableFeeds, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		feed, err := model.LoadFeed(data)
		if err != nil {
			return err
		}
		out = append(out, feed)
		return nil
	})

	return out, err
}
