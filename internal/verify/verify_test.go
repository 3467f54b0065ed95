package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fanout/internal/recovery"
)

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDigestMatchesReferenceImplementation(t *testing.T) {
	content := make([]byte, 100_000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	path := writeFile(t, content)

	engine := NewEngine(8 * 1024)
	digest, size, err := engine.Digest(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size = %d", size)
	}
	sum := sha256.Sum256(content)
	if digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("digest mismatch: %s", digest)
	}
}

func TestVerifyMatch(t *testing.T) {
	content := []byte("stable payload")
	path := writeFile(t, content)
	sum := sha256.Sum256(content)

	engine := NewEngine(0)
	if err := engine.Verify(context.Background(), path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyMismatchIsPermanent(t *testing.T) {
	path := writeFile(t, []byte("actual content"))

	engine := NewEngine(0)
	err := engine.Verify(context.Background(), path, "deadbeef")
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !errors.Is(err, recovery.ErrVerificationMismatch) {
		t.Fatalf("expected verification marker, got %v", err)
	}
	if got := recovery.Classify(err); got != recovery.CategoryPermanentVerification {
		t.Fatalf("classified as %s", got)
	}
}

func TestVerifyDoesNotBlockConcurrentReaders(t *testing.T) {
	content := make([]byte, 64*1024)
	path := writeFile(t, content)

	// Hold an independent shared-read handle open across verification.
	reader, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	sum := sha256.Sum256(content)
	engine := NewEngine(4 * 1024)
	if err := engine.Verify(context.Background(), path, hex.EncodeToString(sum[:])); err != nil {
		t.Fatalf("verify with concurrent reader: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := reader.Read(buf); err != nil {
		t.Fatalf("concurrent reader failed: %v", err)
	}
}

func TestDigestHonorsCancellation(t *testing.T) {
	path := writeFile(t, make([]byte, 1024))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(0)
	if _, _, err := engine.Digest(ctx, path); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
