// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package artifact

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/tomtom215/sauvegarde/internal/logging"
)

// TempSuffix marks files still being written.
const TempSuffix = ".tmp"

var (
	// ErrArtifactNotFound means a referenced file is missing, usually because
	// it was deleted outside the engine.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidRef rejects references that would escape the area directory.
	ErrInvalidRef = errors.New("invalid artifact reference")
)

// Entry describes one file of an area.
type Entry struct {
	Ref     string    `json:"ref"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// DiskUsage is the space accounting of the volume holding the archives.
type DiskUsage struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// Store owns every byte the engine writes to disk: the production archive
// directory and the quarantine directory used for untrusted uploads.
type Store struct {
	Archives   *Area
	Quarantine *Area
}

// New creates both areas, making the directories when needed.
func New(archiveDir, quarantineDir string) (*Store, error) {
	archives, err := newArea("archives", archiveDir)
	if err != nil {
		return nil, err
	}
	quarantine, err := newArea("quarantine", quarantineDir)
	if err != nil {
		return nil, err
	}
	return &Store{Archives: archives, Quarantine: quarantine}, nil
}

// Usage reports total/used/free space of the archive volume.
func (s *Store) Usage() (DiskUsage, error) {
	return s.Archives.Usage()
}

// TempFiles lists in-progress or orphaned temp files of both areas.
func (s *Store) TempFiles() ([]Entry, error) {
	var out []Entry
	for _, a := range []*Area{s.Archives, s.Quarantine} {
		entries, err := a.list(true)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// PurgeTemp removes temp files older than maxAge that no writer holds open.
func (s *Store) PurgeTemp(maxAge time.Duration) (removed int, freed int64, err error) {
	cutoff := time.Now().Add(-maxAge)
	for _, a := range []*Area{s.Archives, s.Quarantine} {
		entries, lerr := a.list(true)
		if lerr != nil {
			return removed, freed, lerr
		}
		for _, e := range entries {
			if e.ModTime.After(cutoff) || a.isActive(e.Ref) {
				continue
			}
			if rerr := os.Remove(filepath.Join(a.dir, e.Ref)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				logging.Warn().Err(rerr).Str("file", e.Ref).Msg("failed to purge temp file")
				continue
			}
			removed++
			freed += e.Size
		}
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Int64("bytes", freed).Msg("purged stale temp files")
	}
	return removed, freed, nil
}

// Area is one directory managed by the store. Refs handed out by an area are
// bare file names; only the area composes them into paths.
type Area struct {
	name string
	dir  string

	mu     sync.Mutex
	active map[string]struct{} // temp refs with an open writer
}

func newArea(name, dir string) (*Area, error) {
	if dir == "" {
		return nil, fmt.Errorf("%s directory is not configured", name)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s directory: %w", name, err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create %s directory: %w", name, err)
	}
	return &Area{name: name, dir: abs, active: make(map[string]struct{})}, nil
}

// Dir returns the absolute directory of the area.
func (a *Area) Dir() string {
	return a.dir
}

// Usage reports total/used/free space of the volume holding the area.
func (a *Area) Usage() (DiskUsage, error) {
	u, err := disk.Usage(a.dir)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage for %s: %w", a.dir, err)
	}
	return DiskUsage{Total: u.Total, Used: u.Used, Free: u.Free, UsedPercent: u.UsedPercent}, nil
}

// Writable probes the area by creating and removing a temp file.
func (a *Area) Writable() bool {
	f, err := os.CreateTemp(a.dir, ".probe-*"+TempSuffix)
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name) == nil
}

// Create reserves a new unique ref derived from logicalName and returns a
// writer on a sibling temp file. Nothing is visible under the final ref
// until Commit succeeds.
func (a *Area) Create(logicalName, ext string) (*Writer, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	ref := fmt.Sprintf("%s-%s%s", sanitizeFileName(logicalName), suffix, ext)
	return a.CreateRef(ref)
}

// CreateRef is Create with a caller-chosen ref (used for quarantine ids).
func (a *Area) CreateRef(ref string) (*Writer, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	tempRef := ref + TempSuffix
	//nolint:gosec // G304: path is composed from a validated ref inside the area
	f, err := os.OpenFile(filepath.Join(a.dir, tempRef), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", a.name, err)
	}

	a.mu.Lock()
	a.active[tempRef] = struct{}{}
	a.mu.Unlock()

	return &Writer{area: a, file: f, ref: ref, tempRef: tempRef}, nil
}

// Open returns the file behind ref. The caller closes it.
func (a *Area) Open(ref string) (*os.File, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	//nolint:gosec // G304: path is composed from a validated ref inside the area
	f, err := os.Open(filepath.Join(a.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ref, err)
	}
	return f, nil
}

// Stat returns the entry for ref.
func (a *Area) Stat(ref string) (Entry, error) {
	if err := checkRef(ref); err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(filepath.Join(a.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("stat %s: %w", ref, err)
	}
	return Entry{Ref: ref, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Remove deletes ref. Returns ErrArtifactNotFound if it was already gone.
func (a *Area) Remove(ref string) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(a.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

// List returns the committed files of the area sorted by name.
func (a *Area) List() ([]Entry, error) {
	return a.list(false)
}

// TotalSize sums the committed files of the area.
func (a *Area) TotalSize() (count int, size int64, err error) {
	entries, err := a.List()
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		size += e.Size
	}
	return len(entries), size, nil
}

func (a *Area) list(temps bool) ([]Entry, error) {
	dirEntries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a.name, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasSuffix(de.Name(), TempSuffix) != temps {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed concurrently
		}
		out = append(out, Entry{Ref: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (a *Area) isActive(tempRef string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[tempRef]
	return ok
}

func (a *Area) release(tempRef string) {
	a.mu.Lock()
	delete(a.active, tempRef)
	a.mu.Unlock()
}

// Writer streams into a temp file and publishes it atomically on Commit.
type Writer struct {
	area    *Area
	file    *os.File
	ref     string
	tempRef string
	written int64
	done    bool
}

var _ io.Writer = (*Writer)(nil)

// Ref is the final reference the file will have after Commit.
func (w *Writer) Ref() string {
	return w.ref
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Commit flushes, closes and renames the temp file to its final ref.
func (w *Writer) Commit() (Entry, error) {
	if w.done {
		return Entry{}, fmt.Errorf("writer for %s already finished", w.ref)
	}
	w.done = true
	defer w.area.release(w.tempRef)

	tempPath := filepath.Join(w.area.dir, w.tempRef)
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(tempPath)
		return Entry{}, fmt.Errorf("sync %s: %w", w.ref, err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(tempPath)
		return Entry{}, fmt.Errorf("close %s: %w", w.ref, err)
	}
	if err := os.Rename(tempPath, filepath.Join(w.area.dir, w.ref)); err != nil {
		_ = os.Remove(tempPath)
		return Entry{}, fmt.Errorf("publish %s: %w", w.ref, err)
	}
	syncDir(w.area.dir)

	return w.area.Stat(w.ref)
}

// Abort discards the temp file. Safe to call after Commit.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	_ = w.file.Close()
	//nolint:errcheck // Best effort cleanup
	os.Remove(filepath.Join(w.area.dir, w.tempRef))
	w.area.release(w.tempRef)
}

func syncDir(dir string) {
	//nolint:gosec // G304: directory owned by the store
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func checkRef(ref string) error {
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("random suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// sanitizeFileName keeps ASCII letters, digits, dot, dash and underscore.
func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		out = "archive"
	}
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}

// SuggestedFilename builds the Content-Disposition file name for a download:
// the logical backup name plus ext, with quotes and control characters removed.
func SuggestedFilename(backupName, ext string) string {
	name := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r == '/' || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(backupName))
	if name == "" {
		name = "sauvegarde"
	}
	return name + ext
}
