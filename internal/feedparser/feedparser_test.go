// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package feedparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Feed</title>
  <link rel="hub" href="https://hub.example.com/"/>
  <link rel="self" href="https://example.com/feed.xml"/>
  <updated>2026-01-01T00:00:00Z</updated>
  <entry>
    <title>First post</title>
    <id>urn:uuid:1</id>
    <updated>2026-01-01T00:00:00Z</updated>
    <author><name>Alice</name></author>
    <category term="tech"/>
  </entry>
</feed>`

const rssFeedNoGUID = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>No GUID Feed</title>
    <item>
      <title>Only a link</title>
      <link>https://example.com/posts/1</link>
    </item>
  </channel>
</rss>`

func TestParseAtomExtractsHubLinkAndEntries(t *testing.T) {
	assert := assert.New(t)

	parsed, err := Parse([]byte(atomFeed), "application/atom+xml")
	assert.NoError(err)
	assert.Equal("Example Feed", parsed.Title)
	assert.Equal("https://hub.example.com/", parsed.HubURL)
	assert.Len(parsed.Entries, 1)
	assert.Equal("urn:uuid:1", parsed.Entries[0].GUID)
	assert.Equal("Alice", parsed.Entries[0].Author)
	assert.Equal([]string{"tech"}, parsed.Entries[0].Categories)
}

func TestParseFallsBackToLinkWhenGUIDMissing(t *testing.T) {
	assert := assert.New(t)

	parsed, err := Parse([]byte(rssFeedNoGUID), "application/rss+xml")
	assert.NoError(err)
	assert.Len(parsed.Entries, 1)
	assert.Equal("https://example.com/posts/1", parsed.Entries[0].GUID)
	assert.Empty(parsed.HubURL)
}
