package chain

import (
	"context"
	"errors"
	"fmt"

	"aquachain/api/internal/revision"
	"aquachain/api/internal/store"
)

// Reconstruct reads the chain ending at key back to its genesis and returns
// it as a scope-agnostic tree. Linked trees are resolved recursively and
// shipped as embedded file objects. Either the whole tree is returned or an
// error; a partial tree never is.
func (e *Engine) Reconstruct(ctx context.Context, key revision.ScopedKey) (Result, error) {
	if res, ok := e.cachedResult(ctx, key); ok {
		return res, nil
	}

	w := &walker{
		engine: e,
		reader: e.store,
		memo:   map[revision.ScopedKey]Result{},
		onPath: map[revision.ScopedKey]bool{},
	}
	res, err := w.build(ctx, key, 0)
	if err != nil {
		return Result{}, err
	}
	e.storeResult(ctx, key, res)
	return res, nil
}

type walker struct {
	engine *Engine
	reader store.Reader
	memo   map[revision.ScopedKey]Result
	onPath map[revision.ScopedKey]bool
}

// chain collects the stored records from key back to genesis, tip first.
func (w *walker) chain(ctx context.Context, key revision.ScopedKey) ([]store.RevisionRecord, error) {
	var records []store.RevisionRecord
	visited := map[revision.ScopedKey]bool{}
	for cur := key; ; {
		if len(records) >= w.engine.opts.MaxChainDepth {
			return nil, fmt.Errorf("%w: %s exceeds %d revisions", revision.ErrChainTooDeep, key, w.engine.opts.MaxChainDepth)
		}
		if visited[cur] {
			return nil, fmt.Errorf("%w: %s revisits %s", revision.ErrCycleDetected, key, cur)
		}
		visited[cur] = true

		rec, err := w.reader.GetRevision(ctx, cur)
		if err != nil {
			if errors.Is(err, revision.ErrNotFound) && cur != key {
				return nil, fmt.Errorf("%w: previous %s of chain %s is missing", revision.ErrBrokenLink, cur, key)
			}
			return nil, err
		}
		records = append(records, rec)
		if rec.IsGenesis() {
			return records, nil
		}
		cur = rec.Previous
	}
}

func (w *walker) build(ctx context.Context, key revision.ScopedKey, linkDepth int) (Result, error) {
	if res, ok := w.memo[key]; ok {
		return res, nil
	}
	if w.onPath[key] {
		return Result{}, fmt.Errorf("%w: link cycle through %s", revision.ErrCycleDetected, key)
	}
	w.onPath[key] = true
	defer delete(w.onPath, key)

	records, err := w.chain(ctx, key)
	if err != nil {
		return Result{}, err
	}

	res := Result{Tree: revision.NewTree(), Files: []revision.FileObject{}}
	seenFiles := map[string]bool{}
	addFile := func(f revision.FileObject) {
		if seenFiles[f.Name] {
			return
		}
		seenFiles[f.Name] = true
		res.Files = append(res.Files, f)
	}

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]

		payload, err := w.reader.GetPayload(ctx, rec.Key, rec.Kind)
		if err != nil {
			if errors.Is(err, revision.ErrNotFound) {
				return Result{}, fmt.Errorf("%w: %s payload of %s is missing", revision.ErrBrokenLink, rec.Kind, rec.Key)
			}
			return Result{}, err
		}
		rev := rec.Revision(payload)
		res.Tree.Revisions[rev.Hash] = rev

		if rec.IsGenesis() {
			file, err := w.genesisFile(ctx, rec)
			if err != nil {
				return Result{}, err
			}
			res.Tree.FileIndex[rev.Hash] = file.Name
			addFile(file)
		}

		link, ok := payload.(revision.LinkPayload)
		if !ok {
			continue
		}
		for _, target := range link.VerificationHashes {
			if linkDepth+1 > w.engine.opts.MaxLinkDepth {
				return Result{}, fmt.Errorf("%w: links nest deeper than %d at %s", revision.ErrChainTooDeep, w.engine.opts.MaxLinkDepth, rec.Key)
			}
			targetKey, err := w.engine.resolveLink(ctx, w.reader, rec.Key.Scope, target)
			if err != nil {
				return Result{}, err
			}
			sub, err := w.build(ctx, targetKey, linkDepth+1)
			if err != nil {
				return Result{}, err
			}

			for hash, name := range sub.Tree.FileIndex {
				res.Tree.FileIndex[hash] = name
			}
			name := revision.DisplayName(sub.Tree)
			res.Tree.FileIndex[target] = name

			embedded := sub.Tree
			addFile(revision.FileObject{Name: name + revision.AquaTreeSuffix, Tree: &embedded})
			for _, f := range sub.Files {
				addFile(f)
			}
		}
	}

	w.memo[key] = res
	return res, nil
}

func (w *walker) genesisFile(ctx context.Context, rec store.RevisionRecord) (revision.FileObject, error) {
	if rec.ContentHash == "" {
		return revision.FileObject{}, fmt.Errorf("%w: genesis %s", revision.ErrMissingFileHash, rec.Key)
	}
	file, err := w.reader.GetFileRecord(ctx, rec.ContentHash)
	if err != nil {
		if errors.Is(err, revision.ErrNotFound) {
			return revision.FileObject{}, fmt.Errorf("%w: no file record for %s of %s", revision.ErrOrphanedContent, rec.ContentHash, rec.Key)
		}
		return revision.FileObject{}, err
	}
	name, err := w.reader.GetFileName(ctx, rec.Key)
	if err != nil {
		if errors.Is(err, revision.ErrNotFound) {
			return revision.FileObject{}, fmt.Errorf("%w: no file index entry for %s", revision.ErrOrphanedContent, rec.Key)
		}
		return revision.FileObject{}, err
	}
	return revision.FileObject{
		Name: name,
		URL:  revision.FileURL(rec.ContentHash),
		Size: file.Size,
	}, nil
}
