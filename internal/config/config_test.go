// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidatesOnceURLsSet(t *testing.T) {
	assert := assert.New(t)

	cfg := Default()
	assert.Error(cfg.Validate(), "base_url/hub_url are required")

	cfg.BaseURL = "https://hub.example.com"
	cfg.HubURL = "https://hub.example.com/"
	assert.NoError(cfg.Validate())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	assert := assert.New(t)

	cfg := Default()
	cfg.BaseURL = "https://hub.example.com"
	cfg.HubURL = "https://hub.example.com/"
	cfg.Port = 9000

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	assert.NoError(err)
	assert.Equal(9000, loaded.Port)
	assert.Equal(cfg.DefaultLeaseSeconds, loaded.DefaultLeaseSeconds)
}
