// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads chat core configuration from a yaml file with
// environment variable overrides. Every tunable has a default, so a missing
// config file yields a fully working configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full chat core configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Window    WindowConfig    `yaml:"window"`
	Titles    TitleConfig     `yaml:"titles"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Backend   BackendConfig   `yaml:"backend"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig controls the SSE gateway listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// WindowConfig controls the per-conversation context window.
type WindowConfig struct {
	// Size is the nominal window size; summarization triggers when the
	// buffer grows past it.
	Size int `yaml:"size"`

	// TTLSeconds is the idle lifetime of a conversation's hot context.
	// Every read refreshes it.
	TTLSeconds int `yaml:"ttl_seconds"`

	// HardCapFactor bounds the buffer at HardCapFactor * Size entries even
	// if summarization keeps failing.
	HardCapFactor int `yaml:"hard_cap_factor"`
}

// TitleConfig controls the auto-title engine.
type TitleConfig struct {
	// DebounceSeconds is how long final-title generation waits for the
	// conversation to go quiet before running.
	DebounceSeconds int `yaml:"debounce_seconds"`
}

// ReconcileConfig controls the conversation list reconciler.
type ReconcileConfig struct {
	// RefreshSeconds is the period between background refreshes from
	// durable storage. Zero disables periodic refresh.
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// BackendConfig points at the streaming generation backend.
type BackendConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// StorageConfig controls the embedded BadgerDB stores.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: "12310"},
		Window: WindowConfig{
			Size:          8,
			TTLSeconds:    3600,
			HardCapFactor: 5,
		},
		Titles:    TitleConfig{DebounceSeconds: 3},
		Reconcile: ReconcileConfig{RefreshSeconds: 300},
		Backend: BackendConfig{
			BaseURL:      "http://localhost:12310",
			DefaultModel: "gpt-4o-mini",
		},
		Storage: StorageConfig{Path: "/var/lib/aleutian/chatcore"},
	}
}

// Load reads the config file at path (if it exists), then applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.Info("config file not found, using defaults", "path", path)
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvString("CHATCORE_PORT", c.Server.Port)
	c.Window.Size = getEnvInt("CHATCORE_WINDOW_SIZE", c.Window.Size)
	c.Window.TTLSeconds = getEnvInt("CHATCORE_WINDOW_TTL_SECONDS", c.Window.TTLSeconds)
	c.Window.HardCapFactor = getEnvInt("CHATCORE_WINDOW_HARD_CAP_FACTOR", c.Window.HardCapFactor)
	c.Titles.DebounceSeconds = getEnvInt("CHATCORE_TITLE_DEBOUNCE_SECONDS", c.Titles.DebounceSeconds)
	c.Reconcile.RefreshSeconds = getEnvInt("CHATCORE_REFRESH_SECONDS", c.Reconcile.RefreshSeconds)
	c.Backend.BaseURL = getEnvString("CHATCORE_BACKEND_URL", c.Backend.BaseURL)
	c.Backend.DefaultModel = getEnvString("CHATCORE_DEFAULT_MODEL", c.Backend.DefaultModel)
	c.Storage.Path = getEnvString("CHATCORE_STORAGE_PATH", c.Storage.Path)
}

func (c *Config) validate() error {
	if c.Window.Size <= 0 {
		return fmt.Errorf("config: window size must be positive, got %d", c.Window.Size)
	}
	if c.Window.HardCapFactor < 1 {
		return fmt.Errorf("config: hard cap factor must be at least 1, got %d", c.Window.HardCapFactor)
	}
	if c.Window.TTLSeconds <= 0 {
		return fmt.Errorf("config: window ttl must be positive, got %d", c.Window.TTLSeconds)
	}
	return nil
}

// WindowTTL returns the context window TTL as a duration.
func (c Config) WindowTTL() time.Duration {
	return time.Duration(c.Window.TTLSeconds) * time.Second
}

// TitleDebounce returns the final-title debounce delay as a duration.
func (c Config) TitleDebounce() time.Duration {
	return time.Duration(c.Titles.DebounceSeconds) * time.Second
}

// RefreshInterval returns the reconciler refresh period as a duration.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Reconcile.RefreshSeconds) * time.Second
}

// getEnvString returns the env var value if set and non-empty, else fallback.
func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the env var parsed as int if set and valid, else fallback.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback",
			"key", key, "value", v, "fallback", fallback)
		return fallback
	}
	return n
}
