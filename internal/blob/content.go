package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Upload is file content offered alongside a tree, identified by the content
// hash its genesis revision carries.
type Upload struct {
	ContentHash string
	Name        string
	Body        io.Reader
	// Size is -1 when unknown.
	Size int64
}

// Staged is an upload written to the backend but not yet recorded. The caller
// either records it or discards it.
type Staged struct {
	ContentHash string
	Name        string
	Location    string
	Size        int64
}

// ContentStore names, writes, opens and removes content blobs.
type ContentStore struct {
	backend Backend
	logger  *zap.Logger
}

func NewContentStore(backend Backend, logger *zap.Logger) *ContentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentStore{backend: backend, logger: logger}
}

func (c *ContentStore) Backend() Backend {
	return c.backend
}

// Stage writes u under a fresh unique location. Two uploads of the same
// content never collide; deduplication happens when the file record is
// inserted.
func (c *ContentStore) Stage(ctx context.Context, u Upload) (Staged, error) {
	location := uuid.NewString() + "-" + safeBase(u.Name)
	counter := &countingReader{r: u.Body}
	if err := c.backend.Put(ctx, location, counter, u.Size); err != nil {
		return Staged{}, fmt.Errorf("stage %s: %w", u.ContentHash, err)
	}
	return Staged{ContentHash: u.ContentHash, Name: u.Name, Location: location, Size: counter.n}, nil
}

func (c *ContentStore) Open(ctx context.Context, location string) (Object, error) {
	return c.backend.Open(ctx, location)
}

// Discard removes blobs that ended up unreferenced. Failures are logged; a
// leftover blob is unreachable, not inconsistent.
func (c *ContentStore) Discard(ctx context.Context, locations ...string) {
	for _, location := range locations {
		if location == "" {
			continue
		}
		if err := c.backend.Delete(ctx, location); err != nil {
			c.logger.Warn("discard blob failed", zap.String("location", location), zap.Error(err))
		}
	}
}

func safeBase(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "blob"
	}
	return base
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
