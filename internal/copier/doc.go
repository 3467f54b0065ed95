// Package copier streams a source file to every enabled destination in a
// single read pass and commits the results atomically.
//
// The engine opens the source once with shared-read semantics, computes the
// source digest while reading, and fans each chunk out to one writer
// goroutine per destination. Writers target temp files colocated with their
// final paths so the commit rename is same-volume and atomic. A failing
// destination stops receiving bytes and loses its temp file without
// disturbing the others; the coordinator decides the task-level outcome.
// Final paths are only ever created by Commit, and only after every
// destination has been written and verified.
package copier
