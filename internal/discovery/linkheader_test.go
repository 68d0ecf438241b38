// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHeaderLinksSingleValue(t *testing.T) {
	assert := assert.New(t)

	links := ParseHeaderLinks([]string{`<http://alice.host/webmention-endpoint>; rel="webmention"`})
	assert.Equal(1, len(links))
	assert.Equal("http://alice.host/webmention-endpoint", links[0].URL.String())
	assert.Equal([]string{"webmention"}, links[0].Params["rel"])
}

func TestParseHeaderLinksMultipleCommaSeparated(t *testing.T) {
	assert := assert.New(t)

	links := ParseHeaderLinks([]string{
		`<https://ex.com/a>; rel="self", <https://hub.ex.com/>; rel="hub"`,
	})
	assert.Equal(2, len(links))
	assert.Equal("https://ex.com/a", links[0].URL.String())
	assert.Equal([]string{"self"}, links[0].Params["rel"])
	assert.Equal("https://hub.ex.com/", links[1].URL.String())
	assert.Equal([]string{"hub"}, links[1].Params["rel"])
}
