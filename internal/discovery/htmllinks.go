// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package discovery

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// scanHTMLLinks walks an HTML document's <link> elements looking for
// rel=hub and rel=alternate|feed, returning the href of whichever is found
// first for each category.
func scanHTMLLinks(doc *html.Node) (hubHref, altHref string) {
	var walk func(node *html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.DataAtom == atom.Link {
			href := getLinkAttr(node, "href")
			rel := strings.ToLower(getLinkAttr(node, "rel"))
			if href != "" {
				for _, r := range strings.Fields(rel) {
					switch r {
					case "hub":
						if hubHref == "" {
							hubHref = href
						}
					case "alternate", "feed":
						if altHref == "" {
							altHref = href
						}
					}
				}
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(doc)
	return hubHref, altHref
}

func getLinkAttr(node *html.Node, name string) string {
	for _, attr := range node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return attr.Val
		}
	}
	return ""
}
