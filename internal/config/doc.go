// Package config loads, normalizes, and validates the daemon's TOML
// configuration.
//
// Load applies repository defaults first, then overlays the file when one
// exists, expands tilde paths, and rejects configurations the replicator
// cannot run with (no enabled destinations, duplicate destination ids,
// nonsensical retry policies). The returned Config is the single source of
// tunables for every component.
package config
