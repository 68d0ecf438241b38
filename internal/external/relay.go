// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package external

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"git.mills.io/prologic/superduperfeeder/internal/queue"
	"git.mills.io/prologic/superduperfeeder/internal/store"
)

// handleRelayToUserCallback delivers a content notification to a single
// user-supplied callback URL, the last hop of the relay path.
func (c *Client) handleRelayToUserCallback(ctx context.Context, m queue.Message) error {
	msg, ok := m.(queue.RelayToUserCallback)
	if !ok {
		return fmt.Errorf("external: handleRelayToUserCallback: unexpected message type %T", m)
	}

	uc, err := c.store.GetUserCallback(msg.UserCallbackID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	now := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.CallbackURL, bytes.NewReader(msg.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", msg.ContentType)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-SuperDuperFeeder-Topic", msg.Topic)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		uc.ErrorCount++
		uc.LastError = err.Error()
		uc.LastErrorTime = now
		_ = c.store.UpdateUserCallback(uc)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uc.ErrorCount++
		uc.LastError = fmt.Sprintf("callback returned status %d", resp.StatusCode)
		uc.LastErrorTime = now
		_ = c.store.UpdateUserCallback(uc)
		return fmt.Errorf("callback %s returned status %d", uc.CallbackURL, resp.StatusCode)
	}

	uc.LastUsed = now
	uc.ErrorCount = 0
	uc.LastError = ""
	return c.store.UpdateUserCallback(uc)
}
