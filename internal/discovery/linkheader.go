// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package discovery

import (
	"net/url"
	"strings"
)

// Link is one parsed RFC 5988 Link header value, e.g.
// `<http://example.com/hub>; rel="hub"`.
type Link struct {
	URL    *url.URL
	Params map[string][]string
}

// ParseHeaderLinks parses every value of an HTTP response's Link header
// (there may be more than one Link header, each possibly holding several
// comma-separated link-values). Unparseable link-values are skipped rather
// than failing the whole header, since a WebSub hub link and an unrelated
// malformed link commonly coexist on the same response.
func ParseHeaderLinks(headers []string) []*Link {
	var links []*Link

	for _, header := range headers {
		for _, value := range splitLinkValues(header) {
			link := parseLinkValue(value)
			if link != nil {
				links = append(links, link)
			}
		}
	}

	return links
}

// splitLinkValues splits a Link header on top-level commas, i.e. commas
// that aren't inside the <...> URL reference or a quoted parameter value.
func splitLinkValues(header string) []string {
	var (
		parts    []string
		depth    int
		inQuotes bool
		start    int
	)

	for i, r := range header {
		switch r {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case '"':
			inQuotes = !inQuotes
		case ',':
			if depth == 0 && !inQuotes {
				parts = append(parts, header[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, header[start:])

	return parts
}

func parseLinkValue(value string) *Link {
	value = strings.TrimSpace(value)

	lt := strings.Index(value, "<")
	gt := strings.Index(value, ">")
	if lt == -1 || gt == -1 || gt < lt {
		return nil
	}

	u, err := url.Parse(strings.TrimSpace(value[lt+1 : gt]))
	if err != nil {
		return nil
	}

	link := &Link{URL: u, Params: make(map[string][]string)}

	for _, rawParam := range strings.Split(value[gt+1:], ";") {
		rawParam = strings.TrimSpace(rawParam)
		if rawParam == "" {
			continue
		}

		kv := strings.SplitN(rawParam, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key == "" {
			continue
		}

		var val string
		if len(kv) == 2 {
			val = strings.Trim(strings.TrimSpace(kv[1]), `"`)
		}

		link.Params[key] = append(link.Params[key], strings.Fields(val)...)
	}

	return link
}
