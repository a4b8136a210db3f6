package offline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/crash-relay/internal/compression"
	"github.com/szibis/crash-relay/internal/logging"
	"github.com/szibis/crash-relay/internal/report"
)

const (
	// FileExtension is the suffix of stored report files.
	FileExtension = ".crash"
	// QuarantineSuffix is appended to files that could not be decoded.
	QuarantineSuffix = ".failed"

	// maxEntryFileSize bounds the decoded size of a single stored entry (16MB).
	maxEntryFileSize = 16 * 1024 * 1024

	tempPattern = ".tmp-*"

	// staleTempAge is the age after which a temp file is assumed to be left
	// over from an interrupted write.
	staleTempAge = time.Minute
)

// fileEntry is the on-disk form of an entry. The payload is kept as raw
// bytes so it is stored exactly as given, JSON or not.
type fileEntry struct {
	ID      uuid.UUID `json:"id"`
	APIKey  string    `json:"apiKey,omitempty"`
	Payload []byte    `json:"payload"`
}

// FileStoreConfig holds FileStore configuration.
type FileStoreConfig struct {
	// Dir is the directory holding stored reports. Created if missing.
	Dir string
	// MaxEntries caps the number of stored files (default: 50).
	MaxEntries int
	// Compression is applied to each file (default: gzip).
	Compression compression.Type
}

// FileStore is a Store that keeps one compressed JSON file per report.
type FileStore struct {
	dir        string
	maxEntries int
	compress   compression.Config
	logger     *logging.Logger

	// saveMu serializes the capacity check with the write.
	saveMu sync.Mutex

	mu    sync.RWMutex
	paths map[uuid.UUID]string
}

// DefaultDir returns the per-application store directory under the user
// cache directory. appID must be stable across restarts of the same
// application and distinct between applications.
func DefaultDir(appID string) (string, error) {
	if appID == "" {
		return "", errors.New("offline: application id is required")
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user cache directory: %w", err)
	}
	sum := sha1.Sum([]byte(appID))
	return filepath.Join(base, "crash-relay", hex.EncodeToString(sum[:])), nil
}

// NewFileStore creates a file store, creating cfg.Dir if necessary.
func NewFileStore(cfg FileStoreConfig, logger *logging.Logger) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("offline: store directory is required")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Compression == "" {
		cfg.Compression = compression.TypeGzip
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		dir:        cfg.Dir,
		maxEntries: cfg.MaxEntries,
		compress:   compression.Config{Type: cfg.Compression},
		logger:     logger,
		paths:      make(map[uuid.UUID]string),
	}
	s.removeStaleTemp(time.Now())
	return s, nil
}

// removeStaleTemp deletes temp files older than staleTempAge. Younger ones
// may belong to a write still in progress in another process.
func (s *FileStore) removeStaleTemp(now time.Time) int {
	matches, err := filepath.Glob(filepath.Join(s.dir, tempPattern))
	if err != nil {
		return 0
	}
	removed := 0
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || now.Sub(info.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.logger.Warn("failed to remove stale temp file", logging.F("path", m, "error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("removed stale temp files", logging.F("dir", s.dir, "count", removed))
	}
	return removed
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Check verifies the store directory is still usable.
func (s *FileStore) Check() error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) pathFor(id uuid.UUID) string {
	return filepath.Join(s.dir, hex.EncodeToString(id[:])+FileExtension)
}

// Path returns the file backing id, if Save or GetAll has seen it.
func (s *FileStore) Path(id uuid.UUID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[id]
	return p, ok
}

func (s *FileStore) list() ([]string, error) {
	return filepath.Glob(filepath.Join(s.dir, "*"+FileExtension))
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, r report.Report) bool {
	if ctx.Err() != nil {
		return false
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	files, err := s.list()
	if err != nil {
		storeSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to list offline store", logging.F("dir", s.dir, "error", err.Error()))
		return false
	}
	if len(files) >= s.maxEntries {
		storeSavesTotal.WithLabelValues("full").Inc()
		s.logger.Warn("offline store full, dropping report", logging.F(
			"dir", s.dir, "max_entries", s.maxEntries,
		))
		return false
	}

	entry := report.Entry{ID: uuid.New(), Report: r}
	path := s.pathFor(entry.ID)
	if err := s.writeEntry(entry, path); err != nil {
		storeSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error("failed to save report to offline store", logging.F(
			"path", path, "error", err.Error(),
		))
		return false
	}

	s.mu.Lock()
	s.paths[entry.ID] = path
	s.mu.Unlock()

	storeSavesTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("report saved to offline store", logging.F("id", entry.ID.String(), "path", path))
	return true
}

// writeEntry writes to a temp file in the same directory and renames it into
// place so readers never observe a partial entry.
func (s *FileStore) writeEntry(entry report.Entry, path string) error {
	data, err := json.Marshal(fileEntry{
		ID:      entry.ID,
		APIKey:  entry.Report.APIKey,
		Payload: entry.Report.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	data, err = compression.Compress(data, s.compress)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// GetAll implements Store. Files that cannot be read or decoded are renamed
// with QuarantineSuffix and skipped.
func (s *FileStore) GetAll(ctx context.Context) []report.Entry {
	files, err := s.list()
	if err != nil {
		s.logger.Error("failed to list offline store", logging.F("dir", s.dir, "error", err.Error()))
		return nil
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: f, modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.Before(candidates[j].modTime)
		}
		return candidates[i].path < candidates[j].path
	})

	entries := make([]report.Entry, 0, len(candidates))
	found := make(map[uuid.UUID]string, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		entry, err := s.readEntry(c.path)
		if errors.Is(err, os.ErrNotExist) {
			continue // removed concurrently
		}
		if err != nil {
			s.quarantine(c.path, err)
			continue
		}
		entries = append(entries, entry)
		found[entry.ID] = c.path
	}

	s.mu.Lock()
	for id, path := range found {
		s.paths[id] = path
	}
	s.mu.Unlock()

	storeEntries.Set(float64(len(entries)))
	return entries
}

func (s *FileStore) readEntry(path string) (report.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return report.Entry{}, fmt.Errorf("failed to read file: %w", err)
	}

	// Files written under a different compression setting stay readable.
	// Headerless formats can be misdetected, so the configured codec is
	// tried as a fallback.
	candidates := []compression.Type{s.compress.Type}
	if typ, ok := compression.Detect(data); ok && typ != s.compress.Type {
		candidates = []compression.Type{typ, s.compress.Type}
	}

	var lastErr error
	for _, typ := range candidates {
		entry, err := decodeEntry(data, typ)
		if err == nil {
			return entry, nil
		}
		lastErr = err
	}
	return report.Entry{}, lastErr
}

func decodeEntry(data []byte, typ compression.Type) (report.Entry, error) {
	raw, err := compression.DecompressLimit(data, typ, maxEntryFileSize)
	if err != nil {
		return report.Entry{}, fmt.Errorf("failed to decompress: %w", err)
	}
	var fe fileEntry
	if err := json.Unmarshal(raw, &fe); err != nil {
		return report.Entry{}, fmt.Errorf("failed to decode: %w", err)
	}
	if fe.ID == uuid.Nil {
		return report.Entry{}, errors.New("entry has no id")
	}
	return report.Entry{
		ID:     fe.ID,
		Report: report.Report{APIKey: fe.APIKey, Payload: fe.Payload},
	}, nil
}

func (s *FileStore) quarantine(path string, cause error) {
	storeQuarantinedTotal.Inc()
	dst := path + QuarantineSuffix
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine unreadable entry", logging.F(
			"path", path, "cause", cause.Error(), "error", err.Error(),
		))
		return
	}
	s.logger.Warn("quarantined unreadable entry", logging.F("path", dst, "error", cause.Error()))
}

// Remove implements Store. The path is taken from the ids seen by Save and
// GetAll, falling back to the path derived from the id.
func (s *FileStore) Remove(_ context.Context, id uuid.UUID) bool {
	s.mu.Lock()
	path, ok := s.paths[id]
	if !ok {
		path = s.pathFor(id)
	}
	delete(s.paths, id)
	s.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("failed to remove stored entry", logging.F(
				"id", id.String(), "path", path, "error", err.Error(),
			))
		}
		return false
	}
	storeRemovesTotal.Inc()
	return true
}

// Quarantined returns the quarantined file names in the store directory.
func (s *FileStore) Quarantined() []string {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+FileExtension+QuarantineSuffix))
	if err != nil {
		return nil
	}
	for i, m := range matches {
		matches[i] = strings.TrimPrefix(m, s.dir+string(filepath.Separator))
	}
	sort.Strings(matches)
	return matches
}
