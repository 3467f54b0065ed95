package copier

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fanout/internal/logging"
	"fanout/internal/recovery"
	"fanout/internal/task"
)

func copiedTask(t *testing.T, content []byte, destCount int) (*Engine, *task.Task) {
	t.Helper()
	tk := buildTask(t, content, destCount)
	engine := NewEngine(0, logging.NewNop())
	destErrs, err := engine.Copy(context.Background(), tk)
	if err != nil || len(destErrs) != 0 {
		t.Fatalf("copy: %v %v", err, destErrs)
	}
	for _, dest := range tk.Destinations {
		dest.Status = task.DestVerified
	}
	return engine, tk
}

func TestCommitMakesAllFinalPathsVisible(t *testing.T) {
	content := []byte("committed payload")
	engine, tk := copiedTask(t, content, 2)

	if err := engine.Commit(tk); err != nil {
		t.Fatalf("commit: %v", err)
	}
	for _, dest := range tk.Destinations {
		got, err := os.ReadFile(dest.FinalPath)
		if err != nil {
			t.Fatalf("final path for %s: %v", dest.ID, err)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("content mismatch at %s", dest.ID)
		}
		if dest.TempPath != "" {
			t.Fatalf("temp path for %s not cleared", dest.ID)
		}
	}
}

func TestCommitRefusedUntilAllVerified(t *testing.T) {
	tk := buildTask(t, []byte("unverified"), 2)
	engine := NewEngine(0, logging.NewNop())
	if _, err := engine.Copy(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	tk.Destinations[0].Status = task.DestVerified
	// Destination b still pending verification.

	if err := engine.Commit(tk); err == nil {
		t.Fatal("commit must be refused")
	}
	for _, dest := range tk.Destinations {
		if _, err := os.Stat(dest.FinalPath); !os.IsNotExist(err) {
			t.Fatalf("final path for %s must not exist", dest.ID)
		}
	}
}

func TestCommitPartialFailureEscalates(t *testing.T) {
	engine, tk := copiedTask(t, []byte("partial"), 2)
	// Sabotage destination b's rename by removing its temp file.
	if err := os.Remove(tk.Destinations[1].TempPath); err != nil {
		t.Fatal(err)
	}

	err := engine.Commit(tk)
	if err == nil {
		t.Fatal("expected partial commit error")
	}
	if !errors.Is(err, recovery.ErrPartialCommit) {
		t.Fatalf("expected partial commit marker, got %v", err)
	}
	// Destination a stays visible: no rollback under concurrent readers.
	if _, statErr := os.Stat(tk.Destinations[0].FinalPath); statErr != nil {
		t.Fatalf("committed destination rolled back: %v", statErr)
	}
}

func TestCommitFirstRenameFailureLeavesNothingVisible(t *testing.T) {
	engine, tk := copiedTask(t, []byte("nothing visible"), 2)
	if err := os.Remove(tk.Destinations[0].TempPath); err != nil {
		t.Fatal(err)
	}

	err := engine.Commit(tk)
	if err == nil {
		t.Fatal("expected rename error")
	}
	if errors.Is(err, recovery.ErrPartialCommit) {
		t.Fatal("no destination committed, must not report partial commit")
	}
	for _, dest := range tk.Destinations {
		if _, statErr := os.Stat(dest.FinalPath); !os.IsNotExist(statErr) {
			t.Fatalf("final path for %s exists", dest.ID)
		}
		if _, statErr := os.Stat(dest.TempPath); dest.TempPath != "" && !os.IsNotExist(statErr) {
			t.Fatalf("temp file for %s survived", dest.ID)
		}
	}
}

func TestAbortRemovesAllTempFiles(t *testing.T) {
	tk := buildTask(t, []byte("aborted"), 2)
	engine := NewEngine(0, logging.NewNop())
	if _, err := engine.Copy(context.Background(), tk); err != nil {
		t.Fatal(err)
	}

	engine.Abort(tk)
	for _, dest := range tk.Destinations {
		entries, err := os.ReadDir(dest.RootPath)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				names = append(names, filepath.Join(dest.RootPath, entry.Name()))
			}
			t.Fatalf("leftover files at %s: %v", dest.ID, names)
		}
	}
}
