package detect

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"fanout/internal/logging"
)

// Candidate is a file that has passed stability gating and may be admitted.
type Candidate struct {
	Entry
	Key         string
	StableSince time.Time
}

// Admitter receives stable candidates. It returns false when the candidate
// was dropped (already queued or in flight), in which case the detector will
// offer it again on a later scan.
type Admitter interface {
	Admit(candidate Candidate) bool
}

type observation struct {
	size        int64
	modTime     time.Time
	checks      int
	firstSeen   time.Time
	stableSince time.Time
	admitted    bool
}

// Detector runs the scan loop and applies stability gating.
type Detector struct {
	source          Source
	admitter        Admitter
	threshold       int
	interval        time.Duration
	excludeSuffixes []string
	logger          *slog.Logger

	seen map[string]*observation
}

// New constructs a detector. threshold is the number of consecutive unchanged
// observations required after the initial sighting.
func New(source Source, admitter Admitter, threshold int, interval time.Duration, excludeSuffixes []string, logger *slog.Logger) *Detector {
	if threshold < 1 {
		threshold = 1
	}
	return &Detector{
		source:          source,
		admitter:        admitter,
		threshold:       threshold,
		interval:        interval,
		excludeSuffixes: excludeSuffixes,
		logger:          logging.NewComponentLogger(logger, "detector"),
		seen:            make(map[string]*observation),
	}
}

// Run scans until the context is cancelled. A failed scan is logged and
// retried on the next tick; the loop never terminates on a single bad pass.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Detector) scan(ctx context.Context) {
	entries, err := d.source.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("source scan failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the source directory exists and is readable"),
		)
		if entries == nil {
			return
		}
	}

	now := time.Now().UTC()
	present := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if d.excluded(entry.Path) {
			continue
		}
		key := Key(entry.Path)
		present[key] = struct{}{}
		d.observe(key, entry, now)
	}

	// Forget paths that vanished so a reappearing file restarts gating.
	for key := range d.seen {
		if _, ok := present[key]; !ok {
			delete(d.seen, key)
		}
	}
}

func (d *Detector) observe(key string, entry Entry, now time.Time) {
	obs, known := d.seen[key]
	if !known {
		d.seen[key] = &observation{
			size:      entry.Size,
			modTime:   entry.ModTime,
			firstSeen: now,
		}
		d.logger.Debug("new candidate detected",
			logging.String(logging.FieldSourcePath, entry.Path),
			logging.Int64("size", entry.Size),
		)
		return
	}

	if obs.size != entry.Size || !obs.modTime.Equal(entry.ModTime) {
		obs.size = entry.Size
		obs.modTime = entry.ModTime
		obs.checks = 0
		obs.stableSince = time.Time{}
		obs.admitted = false
		d.logger.Debug("candidate changed, stability counter reset",
			logging.String(logging.FieldSourcePath, entry.Path),
		)
		return
	}

	obs.checks++
	if obs.stableSince.IsZero() {
		obs.stableSince = now
	}
	if obs.admitted || obs.checks < d.threshold {
		return
	}

	candidate := Candidate{Entry: entry, Key: key, StableSince: obs.stableSince}
	if d.admitter.Admit(candidate) {
		obs.admitted = true
		d.logger.Info("candidate admitted",
			logging.String(logging.FieldEventType, "admitted"),
			logging.String(logging.FieldSourcePath, entry.Path),
			logging.Int64("size", entry.Size),
			logging.Int("checks", obs.checks),
		)
	}
}

func (d *Detector) excluded(path string) bool {
	for _, suffix := range d.excludeSuffixes {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// Key returns the canonical identity for a source path. Paths are
// NFC-normalized so the same file observed through differently composed
// unicode names dedupes to one task.
func Key(path string) string {
	return norm.NFC.String(path)
}
