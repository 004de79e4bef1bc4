// Package blob stores file content referenced by revisions.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Object is an open blob. It is seekable so it can be served with range
// support.
type Object struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// Backend is a flat key/value blob store. Names are opaque to the backend.
type Backend interface {
	String() string
	Has(ctx context.Context, name string) (bool, error)
	Open(ctx context.Context, name string) (Object, error)
	Put(ctx context.Context, name string, r io.Reader, size int64) error
	Delete(ctx context.Context, name string) error
}
