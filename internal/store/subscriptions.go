// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"git.mills.io/prologic/superduperfeeder/internal/model"
)

// CreateSubscription inserts a new Subscription row and its
// (topic, callback) secondary index atomically. It fails with
// ErrAlreadyExists if a row for this (topic, callback) pair already exists.
func (s *Store) CreateSubscription(sub *model.Subscription) error {
	idxKey := indexKey(tableSubscriptionsByTopicCB, sub.Topic, sub.Callback)

	data, err := sub.Bytes()
	if err != nil {
		return err
	}

	return s.commitUnique([][]byte{idxKey},
		put(rowKey(tableSubscriptions, sub.ID), data),
		put(idxKey, []byte(sub.ID)),
	)
}

// UpdateSubscription overwrites an existing Subscription row in place. The
// (topic, callback) index is left untouched since those fields are
// immutable once a subscription is created.
func (s *Store) UpdateSubscription(sub *model.Subscription) error {
	data, err := sub.Bytes()
	if err != nil {
		return err
	}
	return s.commit(put(rowKey(tableSubscriptions, sub.ID), data))
}

// GetSubscription fetches a Subscription by id.
func (s *Store) GetSubscription(id string) (*model.Subscription, error) {
	data, err := s.get(rowKey(tableSubscriptions, id))
	if err != nil {
		return nil, err
	}
	return model.LoadSubscription(data)
}

// GetSubscriptionByTopicAndCallback fetches a Subscription via its unique
// secondary index.
func (s *Store) GetSubscriptionByTopicAndCallback(topic, callback string) (*model.Subscription, error) {
	id, err := s.get(indexKey(tableSubscriptionsByTopicCB, topic, callback))
	if err != nil {
		return nil, err
	}
	return s.GetSubscription(string(id))
}

// DeleteSubscription removes a Subscription row and its secondary index.
func (s *Store) DeleteSubscription(id string) error {
	sub, err := s.GetSubscription(id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	return s.commit(
		del(rowKey(tableSubscriptions, id)),
		del(indexKey(tableSubscriptionsByTopicCB, sub.Topic, sub.Callback)),
	)
}

// ListSubscriptionsByTopic returns every Subscription for a topic,
// verified or not. Callers filter by Verified as needed (see
// hub.Engine.ProcessContentNotification, which wants verified==true only).
func (s *Store) ListSubscriptionsByTopic(topic string) ([]*model.Subscription, error) {
	var out []*model.Subscription

	err := s.scan(rowKey(tableSubscriptions, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		sub, err := model.LoadSubscription(data)
		if err != nil {
			return err
		}
		if sub.Topic == topic {
			out = append(out, sub)
		}
		return nil
	})

	return out, err
}

// ListSubscriptions returns every Subscription row, used by the expiration
// sweep and the store.subscriptions metrics gauge.
func (s *Store) ListSubscriptions() ([]*model.Subscription, error) {
	var out []*model.Subscription

	err := s.scan(rowKey(tableSubscriptions, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		sub, err := model.LoadSubscription(data)
		if err != nil {
			return err
		}
		out = append(out, sub)
		return nil
	})

	return out, err
}
