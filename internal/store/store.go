package store

import (
	"context"

	"aquachain/api/internal/revision"
)

// Reader is the read side shared by committed state and open transactions.
// Missing rows are reported as errors wrapping revision.ErrNotFound.
type Reader interface {
	GetRevision(ctx context.Context, key revision.ScopedKey) (RevisionRecord, error)
	HasRevision(ctx context.Context, key revision.ScopedKey) (bool, error)
	GetChildren(ctx context.Context, key revision.ScopedKey) ([]revision.ScopedKey, error)
	GetPayload(ctx context.Context, key revision.ScopedKey, kind revision.Kind) (revision.Payload, error)

	GetFileRecord(ctx context.Context, contentHash string) (FileRecord, error)
	GetFileRefs(ctx context.Context, contentHash string) ([]revision.ScopedKey, error)
	// FindContentHash returns the content hash whose FileIndex set holds key.
	FindContentHash(ctx context.Context, key revision.ScopedKey) (string, error)
	GetFileName(ctx context.Context, key revision.ScopedKey) (string, error)

	GetLatest(ctx context.Context, tip revision.ScopedKey) (Latest, error)
	ListLatest(ctx context.Context, scope string) ([]Latest, error)
}

// Tx is one atomic write. Nothing written through a Tx is visible to readers
// before InTx returns successfully.
type Tx interface {
	Reader

	// InsertRevision creates the row and reports false when it already exists.
	InsertRevision(ctx context.Context, rec RevisionRecord) (bool, error)
	AddChild(ctx context.Context, parent, child revision.ScopedKey) error
	// PutPayload stores the kind specific side row once per key. Witness
	// events are shared by merkle root and count the witnesses using them.
	PutPayload(ctx context.Context, key revision.ScopedKey, payload revision.Payload) error

	// InsertFileRecord is a no-op reporting false when the content hash is
	// already recorded.
	InsertFileRecord(ctx context.Context, rec FileRecord) (bool, error)
	AddFileRef(ctx context.Context, contentHash string, key revision.ScopedKey) error
	PutFileName(ctx context.Context, key revision.ScopedKey, name string) error

	InsertLatest(ctx context.Context, latest Latest) error
	// RepointLatest moves the pointer at from onto to, keeping its flags. An
	// existing pointer at to is dropped first.
	RepointLatest(ctx context.Context, from, to revision.ScopedKey) error
	SetWorkflow(ctx context.Context, tip revision.ScopedKey, isWorkflow bool) error

	PurgeScope(ctx context.Context, scope string) (PurgeResult, error)
}

// Store is a Reader over committed state that can open write transactions.
// InTx serializes transactions writing the same scope.
type Store interface {
	Reader
	InTx(ctx context.Context, scope string, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
