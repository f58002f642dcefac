// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// LocalSink stores artifacts as files under a directory.
type LocalSink struct {
	dir string
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink creates the directory if needed. A "~" prefix is expanded to the home directory.
func NewLocalSink(dir string) (*LocalSink, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create artifacts directory %q", dir)
	}
	return &LocalSink{dir: dir}, nil
}

func (s *LocalSink) filePath(name string) (string, error) {
	filePath := filepath.Join(s.dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(s.dir, filePath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("invalid artifact name %q", name)
	}
	return filePath, nil
}

// Put implements Sink. The file is written to a temporary name and renamed when complete.
func (s *LocalSink) Put(ctx context.Context, name string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.filePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	tmpPath := filePath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	return errors.Wrapf(os.Rename(tmpPath, filePath), "failed to rename %q", tmpPath)
}

// List implements Sink.
func (s *LocalSink) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.dir, func(filePath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.dir, filePath)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q", s.dir)
	}
	sort.Strings(names)
	return names, nil
}

// URI implements Sink.
func (s *LocalSink) URI() string { return s.dir }

// Close implements Sink.
func (s *LocalSink) Close() error { return nil }
