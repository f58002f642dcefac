// Copyright 2026 The DomAdapter Authors. SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSSink stores artifacts as objects of a Google Cloud Storage bucket, under a prefix.
type GCSSink struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

var _ Sink = (*GCSSink)(nil)

// NewGCSSink connects to the bucket using the application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		Scopes: []string{storage.ScopeReadWrite},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get credentials for storage")
	}
	client, err := storage.NewGRPCClient(ctx, option.WithAuthCredentials(creds))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage client")
	}
	return &GCSSink{
		client: client,
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: prefix,
	}, nil
}

func (s *GCSSink) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put implements Sink.
func (s *GCSSink) Put(ctx context.Context, name string, r io.Reader) error {
	objectName := s.objectName(name)
	w := s.bucket.Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "failed to write gs://%s/%s", s.name, objectName)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to finish gs://%s/%s", s.name, objectName)
	}
	return nil
}

// List implements Sink. Returned names are relative to the sink prefix.
func (s *GCSSink) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: s.objectName(prefix)}
	it := s.bucket.Objects(ctx, query)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list gs://%s/%s", s.name, query.Prefix)
		}
		names = append(names, strings.TrimPrefix(attrs.Name, s.prefix+"/"))
	}
	sort.Strings(names)
	return names, nil
}

// URI implements Sink.
func (s *GCSSink) URI() string {
	if s.prefix == "" {
		return GCSScheme + s.name
	}
	return GCSScheme + s.name + "/" + s.prefix
}

// Close implements Sink.
func (s *GCSSink) Close() error { return s.client.Close() }
