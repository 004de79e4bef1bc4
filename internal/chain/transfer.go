package chain

import (
	"context"
	"errors"
	"fmt"

	"aquachain/api/internal/revision"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// TransferRequest grafts Hash, a revision the origin scope already holds,
// onto the target scope's copy of the same chain.
type TransferRequest struct {
	OriginScope string
	TargetScope string
	Hash        string
	// Previous is optional; when set it must match the origin's record.
	Previous string
}

type TransferResult struct {
	Tip        revision.ScopedKey
	Created    bool
	Reconciled bool
	// LinkedTrees counts linked chains pulled into the target scope.
	LinkedTrees int
}

// Transfer copies one revision from the origin scope into the target scope.
// The target must already hold the predecessor; when it does not, a
// replayable workflow whose genesis the target holds is replayed whole.
// Trees the revision links are pulled in first so the target never sees a
// dangling link.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.OriginScope == "" || req.TargetScope == "" {
		return TransferResult{}, fmt.Errorf("%w: empty scope", revision.ErrMalformedTree)
	}
	if req.OriginScope == req.TargetScope {
		return TransferResult{}, fmt.Errorf("%w: %s", revision.ErrDuplicateTransferRejected, req.OriginScope)
	}
	if err := revision.ValidateHash(req.Hash); err != nil {
		return TransferResult{}, err
	}

	originKey := revision.NewScopedKey(req.OriginScope, req.Hash)
	rec, err := e.store.GetRevision(ctx, originKey)
	if err != nil && !errors.Is(err, revision.ErrNotFound) {
		return TransferResult{}, err
	}
	found := err == nil

	previous := req.Previous
	if found {
		if rec.IsGenesis() {
			return TransferResult{}, fmt.Errorf("%w: %s is a genesis revision", revision.ErrPredecessorNotFoundAtOrigin, originKey)
		}
		if previous != "" && previous != rec.Previous.Hash {
			return TransferResult{}, fmt.Errorf("%w: %s follows %s, not %s", revision.ErrMalformedTree, originKey, rec.Previous.Hash, previous)
		}
		previous = rec.Previous.Hash
	} else if previous == "" {
		return TransferResult{}, fmt.Errorf("%w: %s", revision.ErrRevisionNotFoundAtOrigin, originKey)
	}
	if err := revision.ValidateHash(previous); err != nil {
		return TransferResult{}, fmt.Errorf("%w: previous of %s: %v", revision.ErrPredecessorNotFoundAtOrigin, originKey, err)
	}

	ok, err := e.store.HasRevision(ctx, revision.NewScopedKey(req.OriginScope, previous))
	if err != nil {
		return TransferResult{}, err
	}
	if !ok {
		return TransferResult{}, fmt.Errorf("%w: %s_%s", revision.ErrPredecessorNotFoundAtOrigin, req.OriginScope, previous)
	}
	if !found {
		return TransferResult{}, fmt.Errorf("%w: %s", revision.ErrRevisionNotFoundAtOrigin, originKey)
	}

	payload, err := e.store.GetPayload(ctx, originKey, rec.Kind)
	if err != nil {
		return TransferResult{}, err
	}
	rev := rec.Revision(payload)
	res := TransferResult{Tip: revision.NewScopedKey(req.TargetScope, req.Hash)}
	prevTarget := revision.NewScopedKey(req.TargetScope, previous)

	ok, err = e.store.HasRevision(ctx, prevTarget)
	if err != nil {
		return TransferResult{}, err
	}
	if !ok {
		if err := e.reconcile(ctx, req, originKey); err != nil {
			return TransferResult{}, err
		}
		res.Reconciled = true
	}

	if link, ok := rev.Payload.(revision.LinkPayload); ok {
		pulled, err := e.pullLinked(ctx, req.OriginScope, req.TargetScope, link.VerificationHashes, 0, map[string]bool{})
		if err != nil {
			return TransferResult{}, err
		}
		res.LinkedTrees = pulled
	}

	var replaced revision.ScopedKey
	err = e.store.InTx(ctx, req.TargetScope, func(tx store.Tx) error {
		ok, err := tx.HasRevision(ctx, prevTarget)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", revision.ErrPredecessorNotFoundAtTarget, prevTarget)
		}
		var created bool
		replaced, created, err = e.appendRevision(ctx, tx, req.TargetScope, rev, nil, nil)
		res.Created = created
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}

	e.afterWrite(ctx, req.TargetScope)
	e.indexTip(ctx, res.Tip, replaced)
	e.logger.Info("transferred revision",
		zap.String("origin", req.OriginScope),
		zap.Stringer("tip", res.Tip),
		zap.Bool("reconciled", res.Reconciled),
		zap.Int("linkedTrees", res.LinkedTrees),
	)
	return res, nil
}

// reconcile replays the origin's whole chain into the target scope. Only
// replayable workflows qualify, and only when the target already holds
// their genesis.
func (e *Engine) reconcile(ctx context.Context, req TransferRequest, originKey revision.ScopedKey) error {
	missing := fmt.Errorf("%w: %s lacks the predecessor of %s", revision.ErrPredecessorNotFoundAtTarget, req.TargetScope, req.Hash)

	chain, err := e.Reconstruct(ctx, originKey)
	if err != nil {
		return err
	}
	wf := e.templates.Classify(chain.Tree)
	if !wf.IsWorkflow || !e.replay[wf.Name] {
		return fmt.Errorf("%w: %s is not a replayable workflow", missing, originKey)
	}
	genesis, err := revision.Genesis(chain.Tree)
	if err != nil {
		return err
	}
	ok, err := e.store.HasRevision(ctx, revision.NewScopedKey(req.TargetScope, genesis.Hash))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: target holds no genesis %s", missing, genesis.Hash)
	}

	if _, err := e.pullTreeLinks(ctx, req.OriginScope, req.TargetScope, chain.Tree, 0, map[string]bool{}); err != nil {
		return err
	}
	if _, err := e.Save(ctx, SaveRequest{Scope: req.TargetScope, Tree: chain.Tree, IsWorkflow: true}); err != nil {
		// The target continues the genesis differently; replaying cannot
		// supply the predecessor.
		if errors.Is(err, revision.ErrPredecessorNotLatest) {
			return fmt.Errorf("%w: replay of %s diverges: %v", missing, originKey, err)
		}
		return fmt.Errorf("replay %s into %s: %w", originKey, req.TargetScope, err)
	}
	e.logger.Info("replayed workflow chain",
		zap.String("workflow", wf.Name),
		zap.Stringer("origin", originKey),
		zap.String("target", req.TargetScope),
	)
	return nil
}

// pullLinked saves every linked chain the target scope cannot resolve,
// deepest links first. Targets shared through the system scope are left
// where they are.
func (e *Engine) pullLinked(ctx context.Context, origin, target string, hashes []string, depth int, visited map[string]bool) (int, error) {
	pulled := 0
	for _, hash := range hashes {
		if visited[hash] {
			continue
		}
		visited[hash] = true

		if _, err := e.resolveLink(ctx, e.store, target, hash); err == nil {
			continue
		} else if !errors.Is(err, revision.ErrBrokenLink) {
			return pulled, err
		}
		if depth+1 > e.opts.MaxLinkDepth {
			return pulled, fmt.Errorf("%w: links nest deeper than %d at %s", revision.ErrChainTooDeep, e.opts.MaxLinkDepth, hash)
		}

		sourceKey, err := e.resolveLink(ctx, e.store, origin, hash)
		if err != nil {
			return pulled, err
		}
		linked, err := e.Reconstruct(ctx, sourceKey)
		if err != nil {
			return pulled, err
		}
		nested, err := e.pullTreeLinks(ctx, origin, target, linked.Tree, depth+1, visited)
		pulled += nested
		if err != nil {
			return pulled, err
		}
		if _, err := e.Save(ctx, SaveRequest{Scope: target, Tree: linked.Tree, IsWorkflow: true}); err != nil {
			return pulled, fmt.Errorf("pull linked %s into %s: %w", sourceKey, target, err)
		}
		pulled++
	}
	return pulled, nil
}

func (e *Engine) pullTreeLinks(ctx context.Context, origin, target string, tree revision.Tree, depth int, visited map[string]bool) (int, error) {
	var hashes []string
	for _, rev := range tree.Revisions {
		if link, ok := rev.Payload.(revision.LinkPayload); ok {
			hashes = append(hashes, link.VerificationHashes...)
		}
	}
	return e.pullLinked(ctx, origin, target, hashes, depth, visited)
}
