// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feedparser normalizes upstream RSS/Atom bytes into the hub's
// entry model, wrapping github.com/mmcdole/gofeed and papering over the
// shapes gofeed itself doesn't normalize: feed-level hub links, authors
// that may be missing, and entries identified only by a link when no GUID
// is present.
package feedparser

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"
)

// Entry is one normalized feed item, independent of RSS vs Atom shape.
type Entry struct {
	GUID       string
	URL        string
	Title      string
	Author     string
	Published  time.Time
	Updated    time.Time
	Categories []string
}

// Parsed is a normalized feed: the fields the hub cares about, plus the
// entry list in document order.
type Parsed struct {
	Title       string
	Description string
	HubURL      string
	Entries     []Entry
}

var parser = gofeed.NewParser()

// Parse reads RSS/Atom bytes and returns the normalized shape. raw is kept
// by the caller (not here) since hub-link extraction below re-scans it;
// gofeed discards each link's rel attribute, so it cannot tell us whether
// a <link> is rel=hub on its own.
func Parse(raw []byte, contentType string) (*Parsed, error) {
	feed, err := parser.ParseString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	p := &Parsed{
		Title:       stringField(feed.Title),
		Description: stringField(feed.Description),
		HubURL:      extractHubLink(raw),
		Entries:     make([]Entry, 0, len(feed.Items)),
	}

	for _, item := range feed.Items {
		p.Entries = append(p.Entries, normalizeEntry(item))
	}

	return p, nil
}

// ParseReader is the streaming counterpart to Parse, used when the caller
// doesn't need the raw bytes afterwards (e.g. tests).
func ParseReader(r io.Reader) (*Parsed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(data, "")
}

// normalizeEntry implements the "dynamic parsed-feed shape" normalization:
// title/author may be absent or structured differently across feed
// dialects; gofeed already unifies most of this, but GUID computation
// (entry.id ?? entry.links[0].href) and category flattening are the hub's
// own concern.
func normalizeEntry(item *gofeed.Item) Entry {
	e := Entry{
		URL:        item.Link,
		Title:      stringField(item.Title),
		Categories: item.Categories,
	}

	switch {
	case item.GUID != "":
		e.GUID = item.GUID
	case item.Link != "":
		e.GUID = item.Link
	default:
		log.Debugf("feedparser: entry has neither GUID nor link, skipping id assignment")
	}

	if item.Author != nil {
		e.Author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		e.Author = item.Authors[0].Name
	}

	if item.PublishedParsed != nil {
		e.Published = *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		e.Updated = *item.UpdatedParsed
	}

	return e
}

func stringField(s string) string { return strings.TrimSpace(s) }

// hubLinkPattern matches a single <link ...> element carrying rel="hub",
// independent of attribute order.
var hubLinkPattern = regexp.MustCompile(`(?is)<link\b[^>]*\brel=["']?hub["']?[^>]*>`)
var hrefPattern = regexp.MustCompile(`(?is)\bhref=["']([^"'\s>]+)["']`)

func extractHubLink(raw []byte) string {
	m := hubLinkPattern.Find(raw)
	if m == nil {
		return ""
	}
	href := hrefPattern.FindSubmatch(m)
	if href == nil {
		return ""
	}
	return string(href[1])
}
