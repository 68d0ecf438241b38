// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverPrefersLinkHeaderOverHTML(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<https://hub.example.com/header>; rel="hub"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="hub" href="https://hub.example.com/body"></head></html>`))
	}))
	defer srv.Close()

	d := New(http.DefaultClient, "SuperDuperFeeder/test")
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)

	result, err := d.Discover(context.Background(), target)
	assert.NoError(err)
	assert.Equal("https://hub.example.com/header", result.HubURL)
}

func TestDiscoverFallsBackToHTMLAlternateLink(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><link rel="alternate" type="application/atom+xml" href="/feed.xml"></head></html>`))
	}))
	defer srv.Close()

	d := New(http.DefaultClient, "SuperDuperFeeder/test")
	target, err := url.Parse(srv.URL + "/blog.html")
	require.NoError(t, err)

	result, err := d.Discover(context.Background(), target)
	assert.NoError(err)
	assert.Empty(result.HubURL)
	assert.Equal(srv.URL+"/feed.xml", result.FeedURL)
}

func TestDiscoverFindsFeedLevelHubLink(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(`<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><title>T</title><link rel="hub" href="https://hub.example.com/"/></feed>`))
	}))
	defer srv.Close()

	d := New(http.DefaultClient, "SuperDuperFeeder/test")
	target, err := url.Parse(srv.URL + "/feed.xml")
	require.NoError(t, err)

	result, err := d.Discover(context.Background(), target)
	assert.NoError(err)
	assert.Equal("https://hub.example.com/", result.HubURL)
	assert.Equal(target.String(), result.FeedURL)
}
