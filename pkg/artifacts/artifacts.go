// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts copies the files produced by a run (the exported adapter and its
// hyperparameters) to a destination: a local directory or a Google Cloud Storage bucket.
package artifacts

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Sink stores named artifacts. Names use "/" as separator.
type Sink interface {
	// Put stores the contents of r under name, replacing any previous artifact with the same name.
	Put(ctx context.Context, name string, r io.Reader) error

	// List returns the names of the artifacts stored with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI of the sink, for reporting.
	URI() string

	// Close releases the resources of the sink.
	Close() error
}

// GCSScheme is the URI scheme of Google Cloud Storage destinations.
const GCSScheme = "gs://"

// Open returns the Sink for uri: `gs://bucket/prefix` opens a GCSSink, anything else is taken as a
// local directory.
func Open(ctx context.Context, uri string) (Sink, error) {
	if strings.HasPrefix(uri, GCSScheme) {
		bucket, prefix, err := ParseGCSURI(uri)
		if err != nil {
			return nil, err
		}
		return NewGCSSink(ctx, bucket, prefix)
	}
	return NewLocalSink(uri)
}

// ParseGCSURI splits `gs://bucket/some/prefix` into bucket and prefix.
func ParseGCSURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, GCSScheme) {
		return "", "", errors.Errorf("%q is not a %s URI", uri, GCSScheme)
	}
	rest := strings.TrimPrefix(uri, GCSScheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", errors.Errorf("missing bucket in %q", uri)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// MaxParallelUploads bounds the number of files uploaded concurrently by UploadDir.
var MaxParallelUploads = 4

// UploadDir uploads all files under localDir to sink, named `<prefix>/<relative path>`.
// It returns the names of the uploaded artifacts.
func UploadDir(ctx context.Context, sink Sink, localDir, prefix string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(localDir, func(filePath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list files in %q", localDir)
	}

	names := make([]string, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelUploads)
	for ii, filePath := range files {
		rel, err := filepath.Rel(localDir, filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to make %q relative to %q", filePath, localDir)
		}
		names[ii] = path.Join(prefix, filepath.ToSlash(rel))
		g.Go(func() error {
			return UploadFile(gCtx, sink, filePath, names[ii])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return names, nil
}

// UploadFile uploads one local file to sink under name.
func UploadFile(ctx context.Context, sink Sink, filePath, name string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for upload", filePath)
	}
	defer func() { _ = f.Close() }()
	if err := sink.Put(ctx, name, f); err != nil {
		return errors.WithMessagef(err, "failed to upload %q to %s", filePath, sink.URI())
	}
	klog.V(1).Infof("Uploaded %q to %s/%s", filePath, sink.URI(), name)
	return nil
}
