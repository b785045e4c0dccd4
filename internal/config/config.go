// Copyright 2026 The Veil Authors
// This file is part of Veil.
//
// Veil is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package config loads veil.toml into the engine's runtime configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/veilstate/veil/internal/dex/dextypes"
	"github.com/veilstate/veil/internal/kvtypes"
)

// Config is the on-disk configuration.
type Config struct {
	ChainID string `toml:"chain_id"`
	DataDir string `toml:"data_dir"`

	Storage StorageConfig `toml:"storage"`
	Router  RouterConfig  `toml:"router"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

type StorageConfig struct {
	// Substores is the fixed set of named substores opened at load.
	Substores []string `toml:"substores"`
	// SnapshotCacheSize bounds the LRU of recent snapshots.
	SnapshotCacheSize int `toml:"snapshot_cache_size"`
}

type RouterConfig struct {
	// MaxHops bounds path length in the router's search.
	MaxHops int `toml:"max_hops"`
	// HubAssets is the hex-encoded fixed candidate list.
	HubAssets []string `toml:"hub_assets"`
}

type MetricsConfig struct {
	// Addr serves Prometheus metrics when nonempty, e.g. "127.0.0.1:9145".
	Addr string `toml:"addr"`
}

type LogConfig struct {
	// Level is a zap level name: debug, info, warn, error.
	Level string `toml:"level"`
}

// Default returns the configuration `veild init` writes.
func Default() Config {
	return Config{
		ChainID: "veil-local",
		DataDir: "data",
		Storage: StorageConfig{
			Substores:         append([]string(nil), kvtypes.DefaultSubstores...),
			SnapshotCacheSize: 16,
		},
		Router: RouterConfig{MaxHops: 4},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads and validates path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := toml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Router.MaxHops <= 0 {
		c.Router.MaxHops = 4
	}
	if c.Storage.SnapshotCacheSize <= 0 {
		c.Storage.SnapshotCacheSize = 16
	}
	if len(c.Storage.Substores) == 0 {
		c.Storage.Substores = append([]string(nil), kvtypes.DefaultSubstores...)
	}
	if _, err := c.HubAssetIDs(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes c to path.
func (c Config) Save(path string) error {
	raw, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// HubAssetIDs decodes the hex hub-asset list.
func (c Config) HubAssetIDs() ([]dextypes.AssetID, error) {
	out := make([]dextypes.AssetID, 0, len(c.Router.HubAssets))
	for _, s := range c.Router.HubAssets {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("config: hub asset %q is not a 32-byte hex id", s)
		}
		var id dextypes.AssetID
		copy(id[:], raw)
		out = append(out, id)
	}
	return out, nil
}
