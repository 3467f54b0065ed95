package detect

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fanout/internal/logging"
)

// Entry is one observed source file.
type Entry struct {
	Path    string
	RelPath string
	Size    int64
	ModTime time.Time
}

// Source enumerates candidate files on each scan. Implementations must
// tolerate concurrent writers in the directory they enumerate.
type Source interface {
	List(ctx context.Context) ([]Entry, error)
}

// FSSource enumerates regular files under a root directory by polling.
type FSSource struct {
	root   string
	logger *slog.Logger
}

// NewFSSource constructs a polling filesystem source.
func NewFSSource(root string, logger *slog.Logger) *FSSource {
	return &FSSource{
		root:   root,
		logger: logging.NewComponentLogger(logger, "source"),
	}
}

// List walks the root and returns every regular file with its metadata.
// Entries whose metadata cannot be read are skipped and logged; they will be
// observed again on the next scan.
func (s *FSSource) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == s.root {
				return walkErr
			}
			s.logger.Warn("skipping unreadable entry",
				logging.String(logging.FieldSourcePath, path),
				logging.Error(walkErr),
				logging.String(logging.FieldErrorHint, "entry retried on next scan"),
			)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.logger.Warn("skipping entry with unreadable metadata",
				logging.String(logging.FieldSourcePath, path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "entry retried on next scan"),
			)
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, Entry{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return entries, err
	}
	return entries, nil
}
