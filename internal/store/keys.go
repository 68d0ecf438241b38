// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import "encoding/base64"

// Key tuples are ("table", part...). Parts that come from user input
// (URLs) are base64-encoded so that '/' inside a topic or callback URL can
// never be confused with the key delimiter.

const (
	tableSubscriptions                = "subscriptions"
	tableSubscriptionsByTopicCB       = "subscriptions_by_topic_callback"
	tableFeeds                        = "feeds"
	tableFeedsByURL                   = "feeds_by_url"
	tableFeedItems                    = "feed_items"
	tableFeedItemsByFeedGUID          = "feed_items_by_feed_guid"
	tableExternalSubscriptions        = "external_subscriptions"
	tableExternalSubscriptionsByTopic = "external_subscriptions_by_topic"
	tableExternalSubscriptionsByCB    = "external_subscriptions_by_callback"
	tableUserCallbacks                = "user_callbacks"
	tableUserCallbacksByTopicURL      = "user_callbacks_by_topic_url"
	tableQueue                        = "queue"
	tableQueueDue                     = "queue_due"
	tableQueueDead                    = "queue_dead"
)

func enc(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func keyOf(parts ...string) []byte {
	out := make([]byte, 0, 32)
	for _, p := range parts {
		out = append(out, '/')
		out = append(out, p...)
	}
	return out
}

func rowKey(table, id string) []byte {
	return keyOf(table, id)
}

func indexKey(table string, parts ...string) []byte {
	encoded := make([]string, 0, len(parts)+1)
	encoded = append(encoded, table)
	for _, p := range parts {
		encoded = append(encoded, enc(p))
	}
	return keyOf(encoded...)
}
