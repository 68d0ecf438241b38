// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the entities persisted by the hub: inbound
// Subscriptions, polled Feeds and FeedItems, outbound ExternalSubscriptions
// and the UserCallbacks an External client relays content to.
package model

import (
	"encoding/json"
	"time"
)

// Subscription is an inbound WebSub subscription this hub owns.
type Subscription struct {
	ID       string `json:"id"`
	Topic    string `json:"topic"`
	Callback string `json:"callback"`

	// Secret is the optional HMAC key supplied via hub.secret.
	Secret []byte `json:"secret,omitempty"`

	LeaseSeconds int       `json:"leaseSeconds"`
	Created      time.Time `json:"created"`
	Expires      time.Time `json:"expires"`

	Verified bool `json:"verified"`

	// VerificationToken and VerificationExpires are cleared once Verified
	// becomes true.
	VerificationToken   string    `json:"verificationToken,omitempty"`
	VerificationExpires time.Time `json:"verificationExpires,omitempty"`

	// Challenge is the nonce round-tripped through the subscriber's callback.
	Challenge string `json:"challenge,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// Bytes serializes the Subscription for storage.
func (s *Subscription) Bytes() ([]byte, error) { return json.Marshal(s) }

// LoadSubscription deserializes a Subscription previously written with Bytes.
func LoadSubscription(data []byte) (*Subscription, error) {
	var s Subscription
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Expired reports whether the subscription's lease has elapsed.
func (s *Subscription) Expired() bool { return time.Now().After(s.Expires) }

// VerificationExpired reports whether a not-yet-confirmed subscription's
// verification window has aged out and the row should be swept rather than
// left pending forever.
func (s *Subscription) VerificationExpired(now time.Time) bool {
	return !s.Verified && s.VerificationExpires.Before(now)
}

// Feed is a polled source of record.
type Feed struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	LastFetched time.Time `json:"lastFetched"`
	LastUpdated time.Time `json:"lastUpdated"`

	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`

	PollingIntervalMinutes int  `json:"pollingIntervalMinutes"`
	Active                 bool `json:"active"`

	SupportsWebSub bool   `json:"supportsWebSub"`
	WebSubHub      string `json:"webSubHub,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`

	LastProcessedEntryID string `json:"lastProcessedEntryId,omitempty"`
}

// Bytes serializes the Feed for storage.
func (f *Feed) Bytes() ([]byte, error) { return json.Marshal(f) }

// LoadFeed deserializes a Feed previously written with Bytes.
func LoadFeed(data []byte) (*Feed, error) {
	var f Feed
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Due reports whether the feed is eligible for the next polling cycle,
// evaluated against the given instant (with any jitter already applied by
// the caller via effectiveLastFetched).
func (f *Feed) Due(now time.Time, effectiveLastFetched time.Time) bool {
	if !f.Active || f.SupportsWebSub {
		return false
	}
	if effectiveLastFetched.IsZero() {
		return true
	}
	deadline := effectiveLastFetched.Add(time.Duration(f.PollingIntervalMinutes) * time.Minute)
	return !deadline.After(now)
}

// FeedItem is a single entry observed in a Feed.
type FeedItem struct {
	ID     string `json:"id"`
	FeedID string `json:"feedId"`
	GUID   string `json:"guid"`

	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`

	Published time.Time `json:"published"`
	Updated   time.Time `json:"updated,omitempty"`

	Categories []string `json:"categories,omitempty"`
}

// Bytes serializes the FeedItem for storage.
func (i *FeedItem) Bytes() ([]byte, error) { return json.Marshal(i) }

// LoadFeedItem deserializes a FeedItem previously written with Bytes.
func LoadFeedItem(data []byte) (*FeedItem, error) {
	var i FeedItem
	if err := json.Unmarshal(data, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// EffectiveTime is the timestamp used to order entries and compare
// staleness: Updated if present, else Published.
func (i *FeedItem) EffectiveTime() time.Time {
	if !i.Updated.IsZero() {
		return i.Updated
	}
	return i.Published
}

// ExternalSubscription is an outbound subscription: this hub acting as a
// WebSub subscriber on behalf of a user.
type ExternalSubscription struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Hub          string `json:"hub,omitempty"`
	CallbackPath string `json:"callbackPath"`

	Secret []byte `json:"secret,omitempty"`

	LeaseSeconds int       `json:"leaseSeconds"`
	Created      time.Time `json:"created"`
	Expires      time.Time `json:"expires"`

	Verified    bool      `json:"verified"`
	LastRenewed time.Time `json:"lastRenewed,omitempty"`

	// UsingFallback is true when no external WebSub hub was found and the
	// polling engine stands in for verification/delivery.
	UsingFallback bool `json:"usingFallback"`

	UserCallbackURL string `json:"userCallbackUrl,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// Bytes serializes the ExternalSubscription for storage.
func (e *ExternalSubscription) Bytes() ([]byte, error) { return json.Marshal(e) }

// LoadExternalSubscription deserializes an ExternalSubscription previously
// written with Bytes.
func LoadExternalSubscription(data []byte) (*ExternalSubscription, error) {
	var e ExternalSubscription
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// RenewalDue reports whether the subscription should be renewed given the
// configured renewal window.
func (e *ExternalSubscription) RenewalDue(now time.Time, window time.Duration) bool {
	return e.Verified && !e.Expires.After(now.Add(window))
}

// UserCallback is an external URL that wants content relayed to it.
type UserCallback struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	CallbackURL string `json:"callbackUrl"`

	Verified            bool      `json:"verified"`
	VerificationToken   string    `json:"verificationToken,omitempty"`
	VerificationExpires time.Time `json:"verificationExpires,omitempty"`

	LastUsed time.Time `json:"lastUsed,omitempty"`

	ErrorCount    int       `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
	LastErrorTime time.Time `json:"lastErrorTime,omitempty"`
}

// Bytes serializes the UserCallback for storage.
func (u *UserCallback) Bytes() ([]byte, error) { return json.Marshal(u) }

// LoadUserCallback deserializes a UserCallback previously written with
// Bytes.
func LoadUserCallback(data []byte) (*UserCallback, error) {
	var u UserCallback
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// VerificationExpired reports whether an unverified callback's token has
// aged out and should be swept.
func (u *UserCallback) VerificationExpired(now time.Time) bool {
	return !u.Verified && u.VerificationExpires.Before(now)
}
