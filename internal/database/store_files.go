// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package database

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tomtom215/sauvegarde/internal/codec"
)

// stagePrefix marks restore staging directories inside the files root.
const stagePrefix = ".restore-"

// Files lists attached files relative to the files root, excluding staging
// directories.
func (s *Store) Files(ctx context.Context) ([]codec.FileRef, error) {
	if s.filesDir == "" {
		return nil, nil
	}
	var refs []codec.FileRef
	err := filepath.WalkDir(s.filesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != s.filesDir && strings.HasPrefix(d.Name(), stagePrefix) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.filesDir, path)
		if err != nil {
			return err
		}
		refs = append(refs, codec.FileRef{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk files: %w", err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// OpenFile opens an attached file by its relative name.
func (s *Store) OpenFile(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.filePath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // name validated by SafeRelativePath
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) filePath(name string) (string, error) {
	if s.filesDir == "" {
		return "", fmt.Errorf("no files directory configured")
	}
	if err := codec.SafeRelativePath(name); err != nil {
		return "", err
	}
	return filepath.Join(s.filesDir, filepath.FromSlash(name)), nil
}

// FileExists reports whether a live file is stored under name.
func (s *Store) FileExists(name string) bool {
	path, err := s.filePath(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// FileStage collects restored files beside the live tree and moves them into
// place on Commit. Discard removes everything staged.
type FileStage struct {
	store *Store
	dir   string
	names []string
}

// NewFileStage creates a staging directory for one restore run.
func (s *Store) NewFileStage(runID string) (*FileStage, error) {
	if s.filesDir == "" {
		return nil, fmt.Errorf("no files directory configured")
	}
	dir := filepath.Join(s.filesDir, stagePrefix+runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &FileStage{store: s, dir: dir}, nil
}

// Put stages one file.
func (f *FileStage) Put(name string, r io.Reader) (int64, error) {
	if err := codec.SafeRelativePath(name); err != nil {
		return 0, err
	}
	path := filepath.Join(f.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640) //nolint:gosec // staged under our own root
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("stage %s: %w", name, err)
	}
	f.names = append(f.names, name)
	return n, nil
}

// Len returns the number of staged files.
func (f *FileStage) Len() int { return len(f.names) }

// Commit renames staged files over their live destinations and removes the
// staging directory.
func (f *FileStage) Commit() error {
	for _, name := range f.names {
		dst, err := f.store.filePath(name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		if err := os.Rename(filepath.Join(f.dir, filepath.FromSlash(name)), dst); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return os.RemoveAll(f.dir)
}

// Discard drops everything staged.
func (f *FileStage) Discard() error {
	f.names = nil
	return os.RemoveAll(f.dir)
}

// RemoveFilesExcept deletes live files whose names are not in keep. Full
// restores use it to mirror the archive's file set.
func (s *Store) RemoveFilesExcept(ctx context.Context, keep map[string]bool) (int, error) {
	refs, err := s.Files(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ref := range refs {
		if keep[ref.Name] {
			continue
		}
		path, err := s.filePath(ref.Name)
		if err != nil {
			return removed, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
