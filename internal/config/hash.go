package config

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
)

// hashConfig fingerprints the decoded config. It hashes the canonical JSON, so
// edits that only touch comments, key order or YAML layout hash equal and do
// not trigger a reload. 0 means "unknown" and never matches.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}
