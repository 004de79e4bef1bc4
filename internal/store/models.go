package store

import (
	"time"

	"aquachain/api/internal/revision"
)

// RevisionRecord is the stored, scoped form of a revision without its
// payload. Previous is zero for a genesis revision and otherwise lives in the
// same scope as Key.
type RevisionRecord struct {
	Key            revision.ScopedKey
	Previous       revision.ScopedKey
	Kind           revision.Kind
	ContentHash    string
	Nonce          string
	LocalTimestamp string
	Version        string
	Leaves         []string
}

func (r RevisionRecord) IsGenesis() bool {
	return r.Previous.IsZero()
}

// RecordFor scopes an un-scoped revision.
func RecordFor(scope string, rev revision.Revision) RevisionRecord {
	rec := RevisionRecord{
		Key:            revision.NewScopedKey(scope, rev.Hash),
		Kind:           rev.Kind(),
		ContentHash:    rev.ContentHash,
		Nonce:          rev.Nonce,
		LocalTimestamp: rev.LocalTimestamp,
		Version:        rev.Version,
		Leaves:         rev.Leaves,
	}
	if !rev.IsGenesis() {
		rec.Previous = revision.NewScopedKey(scope, rev.Previous)
	}
	return rec
}

// Revision strips the scope and attaches payload.
func (r RevisionRecord) Revision(payload revision.Payload) revision.Revision {
	version := r.Version
	if version == "" {
		version = revision.DefaultVersion
	}
	return revision.Revision{
		Hash:           r.Key.Hash,
		Previous:       r.Previous.Hash,
		LocalTimestamp: r.LocalTimestamp,
		Version:        version,
		Nonce:          r.Nonce,
		ContentHash:    r.ContentHash,
		Leaves:         r.Leaves,
		Payload:        payload,
	}
}

// Latest is the tip pointer of one document held by one scope.
type Latest struct {
	Tip        revision.ScopedKey
	TemplateID string
	IsWorkflow bool
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type FileRecord struct {
	ContentHash string
	Location    string
	Size        int64
	CreatedAt   time.Time
}

// PurgeResult lists the file records whose last reference disappeared with
// the purged scope. Their blobs can be removed once the purge commits.
type PurgeResult struct {
	Revisions     int
	Documents     int
	ReleasedFiles []FileRecord
}
