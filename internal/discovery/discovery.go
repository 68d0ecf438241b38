// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package discovery locates a WebSub hub for an arbitrary URL by checking,
// in order, the response's Link headers, a feed-level rel="hub" link, an
// HTML rel="hub" link, then an HTML rel="alternate"/"feed" link (recursing
// at most once), falling back to a willnorris.com/go/microformats rel scan.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"willnorris.com/go/microformats"

	log "github.com/sirupsen/logrus"

	"git.mills.io/prologic/superduperfeeder/internal/feedparser"
)

// maxRedirects bounds how many redirect hops a discovery fetch may follow;
// net/http counts them for us via CheckRedirect.
const maxRedirects = 5

var errTooManyRedirects = errors.New("discovery: too many redirects")

// Result is what Discovery found for one target URL.
type Result struct {
	HubURL  string
	FeedURL string
}

// Discoverer runs feed/hub discovery against arbitrary URLs.
type Discoverer struct {
	client    *http.Client
	userAgent string
}

// New builds a Discoverer using client (its Timeout governs the fetch) and
// the given User-Agent string.
func New(client *http.Client, userAgent string) *Discoverer {
	cloned := *client
	cloned.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errTooManyRedirects
		}
		return nil
	}
	return &Discoverer{client: &cloned, userAgent: userAgent}
}

// Discover locates a hub and/or feed URL for target.
func (d *Discoverer) Discover(ctx context.Context, target *url.URL) (*Result, error) {
	return d.discover(ctx, target, 0)
}

func (d *Discoverer) discover(ctx context.Context, target *url.URL, depth int) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", target, err)
	}

	result := &Result{}

	// Response Link headers first: a header hub wins over any body hub.
	for _, link := range ParseHeaderLinks(resp.Header["Link"]) {
		for _, rel := range link.Params["rel"] {
			switch rel {
			case "hub":
				if result.HubURL == "" {
					result.HubURL = link.URL.String()
				}
			case "self":
				if result.FeedURL == "" {
					result.FeedURL = link.URL.String()
				}
			}
		}
	}

	contentType := resp.Header.Get("Content-Type")

	// Try parsing the body as a feed before falling back to HTML scans.
	if parsed, ferr := feedparser.Parse(body, contentType); ferr == nil {
		if result.FeedURL == "" {
			result.FeedURL = target.String()
		}
		if result.HubURL == "" && parsed.HubURL != "" {
			result.HubURL = resolveRef(target, parsed.HubURL)
		}
		return result, nil
	}

	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return result, nil
	}

	doc, perr := html.Parse(bytes.NewReader(body))
	if perr != nil {
		log.WithError(perr).Debugf("discovery: failed to parse %s as HTML", target)
		return result, nil
	}

	hubHref, altHref := scanHTMLLinks(doc)
	if result.HubURL == "" && hubHref != "" {
		result.HubURL = resolveRef(target, hubHref)
	}
	if result.FeedURL == "" && altHref != "" {
		result.FeedURL = resolveRef(target, altHref)
	}

	if result.HubURL == "" {
		if mfHub, mfSelf := microformatsRels(bytes.NewReader(body), target); mfHub != "" || mfSelf != "" {
			if result.HubURL == "" {
				result.HubURL = mfHub
			}
			if result.FeedURL == "" {
				result.FeedURL = mfSelf
			}
		}
	}

	// One recursive hop into a discovered feed link to find its hub.
	if result.HubURL == "" && result.FeedURL != "" && depth == 0 {
		feedURL, perr := url.Parse(result.FeedURL)
		if perr == nil {
			if nested, nerr := d.discover(ctx, feedURL, depth+1); nerr == nil && nested.HubURL != "" {
				result.HubURL = nested.HubURL
			}
		}
	}

	return result, nil
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func microformatsRels(r io.Reader, base *url.URL) (hub, self string) {
	data := microformats.Parse(r, base)
	if len(data.Rels["hub"]) > 0 {
		hub = data.Rels["hub"][0]
	}
	if len(data.Rels["self"]) > 0 {
		self = data.Rels["self"][0]
	}
	return hub, self
}
