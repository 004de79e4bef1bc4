package chain

import (
	"context"
	"errors"
	"fmt"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// Append adds one revision on top of a document the scope owns. The
// predecessor must be the document's current tip and the revision must be
// new; unlike Save, a repeated append is an error. uploads carry the content
// of a file revision when it is not stored yet.
func (e *Engine) Append(ctx context.Context, scope string, rev revision.Revision, uploads ...blob.Upload) (revision.ScopedKey, error) {
	if scope == "" {
		return revision.ScopedKey{}, fmt.Errorf("%w: empty scope", revision.ErrMalformedTree)
	}
	if rev.IsGenesis() {
		return revision.ScopedKey{}, fmt.Errorf("%w: %s has no predecessor, save it as a tree", revision.ErrMalformedTree, rev.Hash)
	}
	if err := validateRevision(rev); err != nil {
		return revision.ScopedKey{}, err
	}

	kept := map[string]bool{}
	staged, err := e.stage(ctx, uploads)
	defer e.discardUnkept(ctx, staged, kept)
	if err != nil {
		return revision.ScopedKey{}, err
	}

	key := revision.NewScopedKey(scope, rev.Hash)
	prev := revision.NewScopedKey(scope, rev.Previous)
	var replaced revision.ScopedKey
	err = e.store.InTx(ctx, scope, func(tx store.Tx) error {
		clear(kept)
		exists, err := tx.HasRevision(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", revision.ErrRevisionAlreadyExists, key)
		}
		if _, err := tx.GetLatest(ctx, prev); err != nil {
			if errors.Is(err, revision.ErrNotFound) {
				return fmt.Errorf("%w: %s", revision.ErrPredecessorNotLatest, prev)
			}
			return err
		}
		replaced, _, err = e.appendRevision(ctx, tx, scope, rev, staged, kept)
		return err
	})
	if err != nil {
		clear(kept)
		return revision.ScopedKey{}, err
	}

	e.afterWrite(ctx, scope)
	e.indexTip(ctx, key, replaced)
	e.logger.Info("appended revision", zap.Stringer("tip", key), zap.String("kind", string(rev.Kind())))
	return key, nil
}

// appendRevision writes rev after its predecessor in scope and moves the
// document's pointer onto it. Writing a revision that is already stored only
// repairs missing edges. staged may be nil when the content is recorded
// already.
func (e *Engine) appendRevision(ctx context.Context, tx store.Tx, scope string, rev revision.Revision, staged map[string]blob.Staged, kept map[string]bool) (revision.ScopedKey, bool, error) {
	rec := store.RecordFor(scope, rev)
	if err := requireSingleChild(ctx, tx, rec.Previous, rec.Key); err != nil {
		return revision.ScopedKey{}, false, err
	}
	if link, ok := rev.Payload.(revision.LinkPayload); ok {
		for _, target := range link.VerificationHashes {
			if _, err := e.resolveLink(ctx, tx, scope, target); err != nil {
				return revision.ScopedKey{}, false, err
			}
		}
	}

	created, err := tx.InsertRevision(ctx, rec)
	if err != nil {
		return revision.ScopedKey{}, false, err
	}
	if created {
		if err := tx.PutPayload(ctx, rec.Key, rev.Payload); err != nil {
			return revision.ScopedKey{}, false, err
		}
	}
	if err := tx.AddChild(ctx, rec.Previous, rec.Key); err != nil {
		return revision.ScopedKey{}, false, err
	}
	if err := recordContent(ctx, tx, rec, staged, kept); err != nil {
		return revision.ScopedKey{}, false, err
	}

	if !created {
		successors, err := tx.GetChildren(ctx, rec.Key)
		if err != nil {
			return revision.ScopedKey{}, false, err
		}
		if len(successors) > 0 {
			return revision.ScopedKey{}, false, nil
		}
	}

	replaced, err := e.advanceLatest(ctx, tx, rec)
	if err != nil {
		return revision.ScopedKey{}, false, err
	}
	if e.linksSystemTemplate(rev) {
		if err := tx.SetWorkflow(ctx, rec.Key, true); err != nil {
			return revision.ScopedKey{}, false, err
		}
	}
	return replaced, created, nil
}

func (e *Engine) advanceLatest(ctx context.Context, tx store.Tx, rec store.RevisionRecord) (revision.ScopedKey, error) {
	if _, err := tx.GetLatest(ctx, rec.Key); err == nil {
		return revision.ScopedKey{}, nil
	} else if !errors.Is(err, revision.ErrNotFound) {
		return revision.ScopedKey{}, err
	}

	_, err := tx.GetLatest(ctx, rec.Previous)
	if err == nil {
		return rec.Previous, tx.RepointLatest(ctx, rec.Previous, rec.Key)
	}
	if !errors.Is(err, revision.ErrNotFound) {
		return revision.ScopedKey{}, err
	}

	name, err := e.documentName(ctx, tx, rec.Previous)
	if err != nil {
		return revision.ScopedKey{}, err
	}
	return revision.ScopedKey{}, tx.InsertLatest(ctx, store.Latest{Tip: rec.Key, Name: name})
}

// documentName walks from key to the genesis and returns its file name.
func (e *Engine) documentName(ctx context.Context, r store.Reader, key revision.ScopedKey) (string, error) {
	cur := key
	for depth := 0; ; depth++ {
		if depth >= e.opts.MaxChainDepth {
			return "", fmt.Errorf("%w: %s", revision.ErrChainTooDeep, key)
		}
		rec, err := r.GetRevision(ctx, cur)
		if err != nil {
			if errors.Is(err, revision.ErrNotFound) {
				return "", fmt.Errorf("%w: %s", revision.ErrBrokenLink, cur)
			}
			return "", err
		}
		if rec.IsGenesis() {
			break
		}
		cur = rec.Previous
	}
	name, err := r.GetFileName(ctx, cur)
	if errors.Is(err, revision.ErrNotFound) {
		return cur.Hash, nil
	}
	return name, err
}
