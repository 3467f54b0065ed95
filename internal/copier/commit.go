package copier

import (
	"fmt"
	"os"
	"strings"

	"fanout/internal/fileutil"
	"fanout/internal/logging"
	"fanout/internal/recovery"
	"fanout/internal/task"
)

// Commit atomically renames every verified temp file to its final path. It
// refuses to run unless all destinations are verified: no final path may
// exist before the whole task is proven good.
//
// If a rename fails after earlier renames succeeded, already-visible files
// are not rolled back — removing a file external pollers may already be
// reading is worse than the inconsistency. The remaining temp files are
// deleted and a partial-commit error is returned for escalation.
func (e *Engine) Commit(t *task.Task) error {
	if !t.AllVerified() {
		return fmt.Errorf("commit refused for task %s: not all destinations verified", t.ID)
	}

	var committed []string
	for idx, dest := range t.Destinations {
		if err := os.Rename(dest.TempPath, dest.FinalPath); err != nil {
			for _, remaining := range t.Destinations[idx:] {
				_ = fileutil.RemoveIfExists(remaining.TempPath)
				remaining.TempPath = ""
			}
			if len(committed) > 0 {
				e.logger.Error("partial commit: some destinations already visible",
					logging.String(logging.FieldTaskID, t.ID),
					logging.String(logging.FieldDestination, dest.ID),
					logging.String("committed", strings.Join(committed, ",")),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "reconcile destinations manually; visible copies are verified"),
				)
				return recovery.Wrap(recovery.ErrPartialCommit, "copier", dest.ID,
					fmt.Errorf("rename failed after destinations [%s] committed: %w", strings.Join(committed, ","), err))
			}
			return fmt.Errorf("rename %s: %w", dest.ID, err)
		}
		dest.TempPath = ""
		committed = append(committed, dest.ID)
	}

	e.logger.Info("task committed",
		logging.String(logging.FieldTaskID, t.ID),
		logging.String(logging.FieldSourcePath, t.SourcePath),
		logging.Int("destinations", len(committed)),
	)
	return nil
}

// Abort deletes every temp file the task produced. Final paths are never
// touched: either Commit made them all visible or none exist.
func (e *Engine) Abort(t *task.Task) {
	for _, dest := range t.Destinations {
		if dest.TempPath == "" {
			continue
		}
		if err := fileutil.RemoveIfExists(dest.TempPath); err != nil {
			e.logger.Warn("failed to remove temp file",
				logging.String(logging.FieldTaskID, t.ID),
				logging.String(logging.FieldDestination, dest.ID),
				logging.String("temp_path", dest.TempPath),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the partial file manually"),
			)
			continue
		}
		dest.TempPath = ""
	}
}
