// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Window.Size)
	assert.Equal(t, 5, cfg.Window.HardCapFactor)
	assert.Equal(t, time.Hour, cfg.WindowTTL())
	assert.Equal(t, 3*time.Second, cfg.TitleDebounce())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatcore.yaml")
	yaml := `
window:
  size: 12
  ttl_seconds: 600
titles:
  debounce_seconds: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	// Env beats file.
	t.Setenv("CHATCORE_WINDOW_SIZE", "20")
	t.Setenv("CHATCORE_WINDOW_HARD_CAP_FACTOR", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Window.Size)
	assert.Equal(t, 3, cfg.Window.HardCapFactor)
	assert.Equal(t, 600, cfg.Window.TTLSeconds)
	assert.Equal(t, 5, cfg.Titles.DebounceSeconds)
}

func TestLoadRejectsInvalidWindow(t *testing.T) {
	t.Setenv("CHATCORE_WINDOW_SIZE", "0")

	_, err := Load("")
	assert.Error(t, err)
}

func TestGetEnvIntBadValueFallsBack(t *testing.T) {
	t.Setenv("CHATCORE_WINDOW_TTL_SECONDS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3600, cfg.Window.TTLSeconds)
}
