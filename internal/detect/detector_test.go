package detect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fanout/internal/logging"
)

type fakeSource struct {
	entries []Entry
	err     error
}

func (f *fakeSource) List(context.Context) ([]Entry, error) {
	return f.entries, f.err
}

type recordingAdmitter struct {
	admitted []Candidate
	reject   bool
}

func (r *recordingAdmitter) Admit(c Candidate) bool {
	if r.reject {
		return false
	}
	r.admitted = append(r.admitted, c)
	return true
}

func entry(path string, size int64, mod time.Time) Entry {
	return Entry{Path: path, RelPath: filepath.Base(path), Size: size, ModTime: mod}
}

func TestAdmitsAfterThresholdStableChecks(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 3, time.Second, nil, logging.NewNop())

	// First sighting records the snapshot; three unchanged checks follow.
	for i := 0; i < 3; i++ {
		detector.scan(context.Background())
		if len(admitter.admitted) != 0 {
			t.Fatalf("admitted early on scan %d", i+1)
		}
	}
	detector.scan(context.Background())
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d", len(admitter.admitted))
	}
	if admitter.admitted[0].Key != Key("/in/a.bin") {
		t.Fatalf("key = %s", admitter.admitted[0].Key)
	}
}

func TestChangeResetsCounter(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 3, time.Second, nil, logging.NewNop())

	detector.scan(context.Background())
	detector.scan(context.Background())
	detector.scan(context.Background())

	// Producer appends more data: counter must reset to zero.
	source.entries[0].Size = 200
	source.entries[0].ModTime = mod.Add(time.Second)
	detector.scan(context.Background())

	for i := 0; i < 3; i++ {
		if len(admitter.admitted) != 0 {
			t.Fatalf("admitted despite reset at check %d", i)
		}
		detector.scan(context.Background())
	}
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d after stability resumed", len(admitter.admitted))
	}
}

func TestMtimeOnlyChangeAlsoResets(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 2, time.Second, nil, logging.NewNop())

	detector.scan(context.Background())
	detector.scan(context.Background())
	source.entries[0].ModTime = mod.Add(time.Minute)
	detector.scan(context.Background())
	detector.scan(context.Background())
	if len(admitter.admitted) != 0 {
		t.Fatal("admitted before counter rebuilt after mtime change")
	}
	detector.scan(context.Background())
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d", len(admitter.admitted))
	}
}

func TestAdmitsOncePerStableGeneration(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 1, time.Second, nil, logging.NewNop())

	for i := 0; i < 5; i++ {
		detector.scan(context.Background())
	}
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d, want 1", len(admitter.admitted))
	}

	// A new generation of the file is admitted again.
	source.entries[0].ModTime = mod.Add(time.Hour)
	for i := 0; i < 3; i++ {
		detector.scan(context.Background())
	}
	if len(admitter.admitted) != 2 {
		t.Fatalf("admitted = %d, want 2", len(admitter.admitted))
	}
}

func TestRejectedCandidateOfferedAgain(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{reject: true}
	detector := New(source, admitter, 1, time.Second, nil, logging.NewNop())

	detector.scan(context.Background())
	detector.scan(context.Background())
	detector.scan(context.Background())

	admitter.reject = false
	detector.scan(context.Background())
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d after queue accepted", len(admitter.admitted))
	}
}

func TestExcludedSuffixesNeverAdmitted(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{
		entry("/in/a.bin", 100, mod),
		entry("/in/b.tmp", 100, mod),
		entry("/in/c.fanout-partial", 100, mod),
	}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 1, time.Second, []string{".tmp", ".fanout-partial"}, logging.NewNop())

	for i := 0; i < 3; i++ {
		detector.scan(context.Background())
	}
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d", len(admitter.admitted))
	}
	if admitter.admitted[0].Path != "/in/a.bin" {
		t.Fatalf("admitted %s", admitter.admitted[0].Path)
	}
}

func TestVanishedFileRestartsGating(t *testing.T) {
	mod := time.Now()
	source := &fakeSource{entries: []Entry{entry("/in/a.bin", 100, mod)}}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 2, time.Second, nil, logging.NewNop())

	detector.scan(context.Background())
	detector.scan(context.Background())

	source.entries = nil
	detector.scan(context.Background())

	source.entries = []Entry{entry("/in/a.bin", 100, mod)}
	detector.scan(context.Background())
	detector.scan(context.Background())
	if len(admitter.admitted) != 0 {
		t.Fatal("vanished file must rebuild its stability counter")
	}
	detector.scan(context.Background())
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d", len(admitter.admitted))
	}
}

func TestScanSurvivesSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("transient enumeration failure")}
	admitter := &recordingAdmitter{}
	detector := New(source, admitter, 1, time.Second, nil, logging.NewNop())

	detector.scan(context.Background())

	source.err = nil
	source.entries = []Entry{entry("/in/a.bin", 100, time.Now())}
	detector.scan(context.Background())
	detector.scan(context.Background())
	if len(admitter.admitted) != 1 {
		t.Fatalf("admitted = %d after recovery", len(admitter.admitted))
	}
}

func TestFSSourceListsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "top.bin"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "nested.bin"), []byte("defg"), 0o644); err != nil {
		t.Fatal(err)
	}

	source := NewFSSource(dir, logging.NewNop())
	entries, err := source.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	rels := map[string]int64{}
	for _, e := range entries {
		rels[e.RelPath] = e.Size
	}
	if rels["top.bin"] != 3 || rels[filepath.Join("sub", "nested.bin")] != 4 {
		t.Fatalf("unexpected entries: %v", rels)
	}
}

func TestFSSourceMissingRootErrors(t *testing.T) {
	source := NewFSSource(filepath.Join(t.TempDir(), "absent"), logging.NewNop())
	if _, err := source.List(context.Background()); err == nil {
		t.Fatal("expected error for missing root")
	}
}
