// Package recovery classifies replication failures and decides what happens
// next: retry with backoff, fail fast through an open circuit, or quarantine.
//
// Classification uses sentinel markers plus errno inspection so callers wrap
// errors once and every downstream decision derives from errors.Is. Transient
// categories are retried per the configured policies; permanent categories and
// configuration errors quarantine immediately. The per-destination circuit
// breaker stops I/O against a destination that keeps failing and probes it
// with a single trial after a growing cooldown.
package recovery
