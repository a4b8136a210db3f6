package offline

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/report"
)

func newTestFileStore(t *testing.T, maxEntries int, typ compression.Type) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{Dir: t.TempDir(), MaxEntries: maxEntries, Compression: typ}, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return s
}

func payload(s string) report.Report {
	return report.Report{APIKey: "key", Payload: []byte(`{"msg":"` + s + `"}`)}
}

func TestNewFileStore_Validation(t *testing.T) {
	if _, err := NewFileStore(FileStoreConfig{}, nil); err == nil {
		t.Error("expected error for empty dir")
	}

	dir := filepath.Join(t.TempDir(), "nested", "store")
	s, err := NewFileStore(FileStoreConfig{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if s.maxEntries != DefaultMaxEntries {
		t.Errorf("maxEntries = %d, want %d", s.maxEntries, DefaultMaxEntries)
	}
	if s.compress.Type != compression.TypeGzip {
		t.Errorf("compression = %s, want gzip", s.compress.Type)
	}
	if err := s.Check(); err != nil {
		t.Errorf("Check() error = %v", err)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	for _, typ := range []compression.Type{compression.TypeNone, compression.TypeGzip, compression.TypeZstd, compression.TypeSnappy} {
		t.Run(string(typ), func(t *testing.T) {
			ctx := context.Background()
			s := newTestFileStore(t, 10, typ)

			want := report.Report{APIKey: "key", Payload: []byte("{\"message\": \"boom\",\n  \"n\": 1}")}
			if !s.Save(ctx, want) {
				t.Fatal("Save() returned false")
			}

			entries := s.GetAll(ctx)
			if len(entries) != 1 {
				t.Fatalf("GetAll() returned %d entries, want 1", len(entries))
			}
			got := entries[0]
			if got.ID == uuid.Nil {
				t.Error("entry has nil id")
			}
			if got.Report.APIKey != "key" || !bytes.Equal(got.Report.Payload, want.Payload) {
				t.Errorf("entry payload = %q, want %q", got.Report.Payload, want.Payload)
			}

			if !s.Remove(ctx, got.ID) {
				t.Fatal("Remove() returned false")
			}
			if n := len(s.GetAll(ctx)); n != 0 {
				t.Errorf("GetAll() after Remove returned %d entries", n)
			}
			if s.Remove(ctx, got.ID) {
				t.Error("second Remove() returned true")
			}
		})
	}
}

func TestFileStore_StoresPayloadVerbatim(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"indented json", []byte("{\n\t\"a\": [1, 2,  3]\n}\n")},
		{"not json", []byte("not json")},
		{"binary", []byte{0x00, 0xff, 0x10, '"', '\\'}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestFileStore(t, 10, compression.TypeGzip)

			if !s.Save(ctx, report.Report{Payload: tt.payload}) {
				t.Fatal("Save() returned false")
			}
			entries := s.GetAll(ctx)
			if len(entries) != 1 {
				t.Fatalf("GetAll() returned %d entries, want 1", len(entries))
			}
			if got := entries[0].Report.Payload; !bytes.Equal(got, tt.payload) {
				t.Errorf("payload = %q, want %q", got, tt.payload)
			}
			if entries[0].Report.APIKey != "" {
				t.Errorf("APIKey = %q, want empty", entries[0].Report.APIKey)
			}
		})
	}
}

func TestNewFileStore_RemovesStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, ".tmp-stale")
	fresh := filepath.Join(dir, ".tmp-fresh")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("partial"), 0600); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(FileStoreConfig{Dir: dir}, nil)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file was not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("recent temp file removed: %v", err)
	}
	if n := len(s.GetAll(context.Background())); n != 0 {
		t.Errorf("GetAll() returned %d entries, want 0", n)
	}
}

func TestFileStore_FileNaming(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, 10, compression.TypeGzip)
	s.Save(ctx, payload("x"))

	entries := s.GetAll(ctx)
	if len(entries) != 1 {
		t.Fatalf("GetAll() returned %d entries", len(entries))
	}
	want := filepath.Join(s.Dir(), hex.EncodeToString(entries[0].ID[:])+FileExtension)
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected file %s: %v", want, err)
	}
	if p, ok := s.Path(entries[0].ID); !ok || p != want {
		t.Errorf("Path() = %q,%v want %q", p, ok, want)
	}

	tmps, _ := filepath.Glob(filepath.Join(s.Dir(), ".tmp-*"))
	if len(tmps) != 0 {
		t.Errorf("leftover temp files: %v", tmps)
	}
}

func TestFileStore_Capacity(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, 3, compression.TypeGzip)

	for i := 0; i < 3; i++ {
		if !s.Save(ctx, payload("r")) {
			t.Fatalf("Save(%d) returned false below capacity", i)
		}
	}
	if s.Save(ctx, payload("overflow")) {
		t.Fatal("Save() accepted a report beyond capacity")
	}
	if n := len(s.GetAll(ctx)); n != 3 {
		t.Errorf("GetAll() returned %d entries, want 3", n)
	}

	entries := s.GetAll(ctx)
	s.Remove(ctx, entries[0].ID)
	if !s.Save(ctx, payload("after-remove")) {
		t.Error("Save() rejected after freeing a slot")
	}
}

func TestFileStore_QuarantinesCorruptFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, 10, compression.TypeGzip)

	s.Save(ctx, payload("good"))
	bad := filepath.Join(s.Dir(), "deadbeef"+FileExtension)
	if err := os.WriteFile(bad, []byte("not a report"), 0600); err != nil {
		t.Fatal(err)
	}

	entries := s.GetAll(ctx)
	if len(entries) != 1 {
		t.Fatalf("GetAll() returned %d entries, want 1", len(entries))
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("corrupt file still present under its original name")
	}
	q := s.Quarantined()
	if len(q) != 1 || q[0] != "deadbeef"+FileExtension+QuarantineSuffix {
		t.Errorf("Quarantined() = %v", q)
	}

	// Quarantined files no longer count against capacity or reappear.
	if n := len(s.GetAll(ctx)); n != 1 {
		t.Errorf("second GetAll() returned %d entries, want 1", n)
	}
}

func TestFileStore_RemoveWithoutGetAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(FileStoreConfig{Dir: dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Save(ctx, payload("persisted"))
	id := first.GetAll(ctx)[0].ID

	// A fresh instance has an empty id map and must derive the path.
	second, err := NewFileStore(FileStoreConfig{Dir: dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Remove(ctx, id) {
		t.Fatal("Remove() on fresh store returned false")
	}
	if n := len(second.GetAll(ctx)); n != 0 {
		t.Errorf("GetAll() returned %d entries after Remove", n)
	}
	if second.Remove(ctx, uuid.New()) {
		t.Error("Remove() of unknown id returned true")
	}
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFileStore(FileStoreConfig{Dir: dir, Compression: compression.TypeZstd}, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Save(ctx, payload("a"))

	// Reopened with a different codec, existing zstd files still decode.
	second, err := NewFileStore(FileStoreConfig{Dir: dir, Compression: compression.TypeGzip}, nil)
	if err != nil {
		t.Fatal(err)
	}
	entries := second.GetAll(ctx)
	if len(entries) != 1 || !strings.Contains(string(entries[0].Report.Payload), `"a"`) {
		t.Errorf("GetAll() after reopen = %+v", entries)
	}
}

func TestFileStore_OldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, 10, compression.TypeNone)

	for _, name := range []string{"first", "second", "third"} {
		s.Save(ctx, payload(name))
	}
	entries := s.GetAll(ctx)
	if len(entries) != 3 {
		t.Fatalf("GetAll() returned %d entries", len(entries))
	}

	// Pin modification times so ordering does not depend on clock resolution.
	base := time.Now().Add(-time.Hour)
	for i, e := range entries {
		path := s.pathFor(e.ID)
		mt := base.Add(time.Duration(len(entries)-i) * time.Minute)
		if err := os.Chtimes(path, mt, mt); err != nil {
			t.Fatal(err)
		}
	}

	reordered := s.GetAll(ctx)
	for i := range reordered {
		if reordered[i].ID != entries[len(entries)-1-i].ID {
			t.Fatalf("GetAll() order not by modification time")
		}
	}
}

func TestFileStore_ConcurrentSaveRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestFileStore(t, 5, compression.TypeGzip)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Save(ctx, payload("c"))
		}()
	}
	wg.Wait()

	if n := len(s.GetAll(ctx)); n != 5 {
		t.Errorf("stored %d entries, want 5", n)
	}
}

func TestFileStore_SaveCancelled(t *testing.T) {
	s := newTestFileStore(t, 5, compression.TypeGzip)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Save(ctx, payload("x")) {
		t.Error("Save() succeeded with cancelled context")
	}
}

func TestDefaultDir(t *testing.T) {
	if _, err := DefaultDir(""); err == nil {
		t.Error("expected error for empty app id")
	}

	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	a, err := DefaultDir("app-one")
	if err != nil {
		t.Skipf("no user cache dir on this platform: %v", err)
	}
	b, _ := DefaultDir("app-two")
	again, _ := DefaultDir("app-one")

	if a == b {
		t.Error("different app ids produced the same directory")
	}
	if a != again {
		t.Error("same app id produced different directories")
	}
	if filepath.Base(filepath.Dir(a)) != "crash-relay" {
		t.Errorf("DefaultDir() = %s, want parent crash-relay", a)
	}
	if len(filepath.Base(a)) != 40 {
		t.Errorf("directory name %q is not a sha1 hex digest", filepath.Base(a))
	}
}
