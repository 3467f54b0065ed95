package copier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"fanout/internal/fileutil"
	"fanout/internal/logging"
	"fanout/internal/recovery"
	"fanout/internal/task"
)

const minChunkSize = 4 * 1024

// Engine performs fan-out streaming copies.
type Engine struct {
	chunkSize int
	logger    *slog.Logger
}

// NewEngine constructs a copy engine.
func NewEngine(chunkSize int, logger *slog.Logger) *Engine {
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	return &Engine{
		chunkSize: chunkSize,
		logger:    logging.NewComponentLogger(logger, "copier"),
	}
}

type destWriter struct {
	dest     *task.DestinationState
	file     *os.File
	tempPath string
	bytes    int64
	err      error
	ch       chan []byte
}

func (w *destWriter) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for chunk := range w.ch {
		if w.err != nil {
			// Keep draining so the reader never blocks on a dead destination.
			continue
		}
		n, err := w.file.Write(chunk)
		w.bytes += int64(n)
		if err != nil {
			w.fail(err)
		}
	}
	if w.err != nil {
		return
	}
	if err := w.file.Sync(); err != nil {
		w.fail(err)
		return
	}
	if err := w.file.Close(); err != nil {
		w.err = err
		_ = fileutil.RemoveIfExists(w.tempPath)
	}
}

func (w *destWriter) fail(err error) {
	w.err = err
	_ = w.file.Close()
	_ = fileutil.RemoveIfExists(w.tempPath)
}

// Copy streams the task's source file to a temp file per pending destination.
// Destination states are updated in place: survivors move to
// written_pending_verify with their byte counts, failures are reported in the
// returned map keyed by destination id. The source digest is computed during
// the same read pass and stored on the task, so every destination observes
// byte-for-byte the snapshot of that single read.
//
// A source-side read error or cancellation aborts every destination and is
// returned directly.
func (e *Engine) Copy(ctx context.Context, t *task.Task) (map[string]error, error) {
	source, err := os.Open(t.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", t.SourcePath, err)
	}
	defer source.Close()

	destErrs := make(map[string]error)
	writers := make([]*destWriter, 0, len(t.Destinations))
	for _, dest := range t.Destinations {
		if dest.Status != task.DestPending {
			continue
		}
		writer, err := e.openWriter(dest, t.Size)
		if err != nil {
			destErrs[dest.ID] = err
			dest.Status = task.DestFailed
			continue
		}
		dest.Status = task.DestWriting
		writers = append(writers, writer)
	}
	if len(writers) == 0 {
		return destErrs, nil
	}

	var wg sync.WaitGroup
	for _, writer := range writers {
		wg.Add(1)
		go writer.run(&wg)
	}

	hasher := sha256.New()
	buf := make([]byte, e.chunkSize)
	var total int64
	var readErr error

loop:
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		n, err := source.Read(buf)
		if n > 0 {
			total += int64(n)
			hasher.Write(buf[:n])
			chunk := append([]byte(nil), buf[:n]...)
			for _, writer := range writers {
				writer.ch <- chunk
			}
		}
		switch {
		case err == io.EOF:
			break loop
		case err != nil:
			readErr = fmt.Errorf("read source %s: %w", t.SourcePath, err)
			break loop
		}
	}

	for _, writer := range writers {
		close(writer.ch)
	}
	wg.Wait()

	if readErr != nil {
		for _, writer := range writers {
			if writer.err == nil {
				_ = fileutil.RemoveIfExists(writer.tempPath)
			}
			writer.dest.Status = task.DestFailed
			writer.dest.TempPath = ""
		}
		return destErrs, readErr
	}

	t.SourceDigest = hex.EncodeToString(hasher.Sum(nil))
	for _, writer := range writers {
		writer.dest.BytesWritten = writer.bytes
		if writer.err != nil {
			writer.dest.Status = task.DestFailed
			writer.dest.TempPath = ""
			destErrs[writer.dest.ID] = fmt.Errorf("write %s: %w", writer.dest.ID, writer.err)
			continue
		}
		writer.dest.Status = task.DestWrittenPendingVerify
		writer.dest.TempPath = writer.tempPath
		e.logger.Debug("destination written",
			logging.String(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldDestination, writer.dest.ID),
			logging.Int64("bytes", writer.bytes),
		)
	}
	return destErrs, nil
}

func (e *Engine) openWriter(dest *task.DestinationState, size int64) (*destWriter, error) {
	if err := fileutil.EnsureParentDir(dest.FinalPath); err != nil {
		return nil, err
	}
	free, err := fileutil.FreeSpace(filepath.Dir(dest.FinalPath))
	if err == nil && free < size {
		return nil, recovery.Wrap(recovery.ErrResourceExhausted, "copier", dest.ID,
			fmt.Errorf("destination has %d bytes free, need %d", free, size))
	}

	tempPath := fileutil.TempPathFor(dest.FinalPath)
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &destWriter{
		dest:     dest,
		file:     file,
		tempPath: tempPath,
		ch:       make(chan []byte, 4),
	}, nil
}
