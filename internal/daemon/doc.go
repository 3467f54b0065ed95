// Package daemon wires the replicator components into one supervised
// service: intake queue, stability detector, processing coordinator, SQLite
// audit store, and the read-only HTTP status API. A flock-guarded lock file
// enforces single-instance execution per log directory.
package daemon
