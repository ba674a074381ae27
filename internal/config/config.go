// Package config loads and saves config.json (§6): the daemon-wide
// settings shared across all accounts. The wire format is spec-mandated,
// so this uses stdlib encoding/json rather than a library choice (SPEC_FULL
// AMBIENT STACK).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/eslider/maildeckd/internal/atomicfile"
	"github.com/eslider/maildeckd/internal/model"
)

// Load reads config.json at path. A missing file yields the zero-value
// Config (review_before_send=false, no accounts) rather than an error, so
// a fresh BASE directory can be bootstrapped by the setup CLI (external
// collaborator, §1) without this package caring how.
func Load(path string) (model.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Config{}, nil
		}
		return model.Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg model.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically, pretty-printed (§6).
func Save(path string, cfg model.Config) error {
	return atomicfile.WriteJSON(path, cfg)
}
