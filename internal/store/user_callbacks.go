// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"git.mills.io/prologic/superduperfeeder/internal/model"
)

// CreateUserCallback inserts a new UserCallback row and its
// (topic, callbackUrl) secondary index atomically.
func (s *Store) CreateUserCallback(uc *model.UserCallback) error {
	idxKey := indexKey(tableUserCallbacksByTopicURL, uc.Topic, uc.CallbackURL)

	data, err := uc.Bytes()
	if err != nil {
		return err
	}

	return s.commitUnique([][]byte{idxKey},
		put(rowKey(tableUserCallbacks, uc.ID), data),
		put(idxKey, []byte(uc.ID)),
	)
}

// UpdateUserCallback overwrites an existing row in place.
func (s *Store) UpdateUserCallback(uc *model.UserCallback) error {
	data, err := uc.Bytes()
	if err != nil {
		return err
	}
	return s.commit(put(rowKey(tableUserCallbacks, uc.ID), data))
}

// GetUserCallback fetches a UserCallback by id.
func (s *Store) GetUserCallback(id string) (*model.UserCallback, error) {
	data, err := s.get(rowKey(tableUserCallbacks, id))
	if err != nil {
		return nil, err
	}
	return model.LoadUserCallback(data)
}

// GetUserCallbackByTopicAndURL fetches a UserCallback via its unique index.
func (s *Store) GetUserCallbackByTopicAndURL(topic, callbackURL string) (*model.UserCallback, error) {
	id, err := s.get(indexKey(tableUserCallbacksByTopicURL, topic, callbackURL))
	if err != nil {
		return nil, err
	}
	return s.GetUserCallback(string(id))
}

// DeleteUserCallback removes the row and its secondary index.
func (s *Store) DeleteUserCallback(id string) error {
	uc, err := s.GetUserCallback(id)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}

	return s.commit(
		del(rowKey(tableUserCallbacks, id)),
		del(indexKey(tableUserCallbacksByTopicURL, uc.Topic, uc.CallbackURL)),
	)
}

// ListUserCallbacksByTopic returns every UserCallback for a topic.
func (s *Store) ListUserCallbacksByTopic(topic string) ([]*model.UserCallback, error) {
	var out []*model.UserCallback

	err := s.scan(rowKey(tableUserCallbacks, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		uc, err := model.LoadUserCallback(data)
		if err != nil {
			return err
		}
		if uc.Topic == topic {
			out = append(out, uc)
		}
		return nil
	})

	return out, err
}

// GetUserCallbackByToken scans for the UserCallback whose pending
// verification token matches. Tokens are short-lived and low-volume, so
// this follows the same scan-then-filter idiom as ListUserCallbacksByTopic
// rather than adding a secondary index for it.
func (s *Store) GetUserCallbackByToken(token string) (*model.UserCallback, error) {
	var found *model.UserCallback

	err := s.scan(rowKey(tableUserCallbacks, ""), func(key []byte) error {
		if found != nil {
			return nil
		}
		data, err := s.get(key)
		if err != nil {
			return err
		}
		uc, err := model.LoadUserCallback(data)
		if err != nil {
			return err
		}
		if uc.VerificationToken != "" && uc.VerificationToken == token {
			found = uc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// ListUserCallbacks returns every UserCallback row, used by the
// verification sweep.
func (s *Store) ListUserCallbacks() ([]*model.UserCallback, error) {
	var out []*model.UserCallback

	err := s.scan(rowKey(tableUserCallbacks, ""), func(key []byte) error {
		data, err := s.get(key)
		if err != nil {
			return err
		}
		uc, err := model.LoadUserCallback(data)
		if err != nil {
			return err
		}
		out = append(out, uc)
		return nil
	})

	return out, err
}
