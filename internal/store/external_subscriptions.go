// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"git.mills.io/prologic/superduperfeeder/internal/model"
)

// CreateExternalSubscription inserts a new ExternalSubscription row and its
// topic and callbackPath indexes atomically.
func (s *Store) CreateExternalSubscription(ext *model.ExternalSubscription) error {
	topicKey := indexKey(tableExternalSubscriptionsByTopic, ext.Topic)
	cbKey := indexKey(tableExternalSubscriptionsByCB, ext.CallbackPath)

	data, err := ext.Bytes()
	if err != nil {
		return err
	}

	return s.commitUnique([][]byte{topicKey, cbKey},
		put(rowKey(tableExternalSubscriptions, ext.ID), data),
		put(topicKey, []byte(ext.ID)),
		put(cbKey, []byte(ext.ID)),
	)
}

// UpdateExternalSubscription overwrites an existing row in place.
func (s *Store) UpdateExternalSubscription(ext *model.ExternalSubscription) error {
	data, err := ext.Bytes()
	if err != nil {
		return err
	}
	return s.commit(put(rowKey(tableExternalSubscriptions, ext.ID), data))
}

// GetExternalSubscription fetches an ExternalSubscription by id.
func (s *Store) GetExternalSubscription(id string) (*model.ExternalSubscription, error) {
	data, err := s.get(rowKey(tableExternalSubscriptions, id))
	if err != nil {
		return nil, err
	}
	return model.LoadExternalSubscription(data)
}

// GetExternalSubscriptionByTopic fetches an ExternalSubscription via its
// topic index.
func (s *Store) GetExternalSubscriptionByTopic(topic string) (*model.ExternalSubscription, error) {
	id, err := s.get(indexKey(tableExternalSubscriptionsByTopic, topic))
	if err != nil {
		return nil, err
	}
	return s.GetExternalSubscription(string(id))
}

// GetExternalSubscriptionByCallbackPath fetches an ExternalSubscription via
// its callbackPath index.
func (s *Store) GetExternalSubscriptionByCallbackPath(callbackPath string) (*model.ExternalSubscription, error) {
	id, err := s.get(indexKey(tableExternalSubscriptionsByCB, callbackPath))
	if err != nil {
		return nil, err
	}
	return s.GetExternalSubscription(string(id))
}

// DeleteExternalSubscription removes the row and both secondary indexes.
func (s *Store) DeleteExternalSubscription(id string) error {
	ext, err := s.GetExternalSubscription(id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	return s.commit(
		del(rowKey(tableExternalSubscriptions, id)),
		del(indexKey(tableExternalSubscriptionsByTopic, ext.Topic)),
		del(indexKey(tableExternalSubscriptionsByCB, ext.CallbackPath)),
	)
}

// ListExternalSubscriptions returns every ExternalSubscription row.
func (s *Store) ListExternalSubscriptions() ([]*model.ExternalSubscription, error) {
	var out []*model.ExternalSubscription

	err := s.scan(rowKey(tableExternalSubscriptions, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		ext, err := model.LoadExternalSubscription(data)
		if err != nil {
			return err
		}
		out = append(out, ext)
		return nil
	})

	return out, err
}
