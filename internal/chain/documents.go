package chain

import (
	"context"
	"fmt"

	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// ListDocuments returns the latest pointers of scope, newest first.
// Workflow internal documents are left out unless includeWorkflows is set.
func (e *Engine) ListDocuments(ctx context.Context, scope string, includeWorkflows bool) ([]store.Latest, error) {
	all, err := e.store.ListLatest(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", scope, err)
	}
	if includeWorkflows {
		return all, nil
	}
	docs := make([]store.Latest, 0, len(all))
	for _, l := range all {
		if !l.IsWorkflow {
			docs = append(docs, l)
		}
	}
	return docs, nil
}

// PurgeScope deletes everything scope holds in one transaction. File records
// left without references are deleted with it; their blobs are removed after
// the commit.
func (e *Engine) PurgeScope(ctx context.Context, scope string) (store.PurgeResult, error) {
	if scope == "" {
		return store.PurgeResult{}, fmt.Errorf("purge: empty scope")
	}
	var (
		res  store.PurgeResult
		docs []store.Latest
	)
	err := e.store.InTx(ctx, scope, func(tx store.Tx) error {
		var err error
		if docs, err = tx.ListLatest(ctx, scope); err != nil {
			return fmt.Errorf("list documents of %s: %w", scope, err)
		}
		res, err = tx.PurgeScope(ctx, scope)
		return err
	})
	if err != nil {
		return store.PurgeResult{}, err
	}

	locations := make([]string, 0, len(res.ReleasedFiles))
	for _, f := range res.ReleasedFiles {
		locations = append(locations, f.Location)
	}
	e.content.Discard(context.WithoutCancel(ctx), locations...)
	e.afterWrite(ctx, scope)
	for _, d := range docs {
		e.index.DeleteDocument(d.Tip.String())
	}

	e.logger.Info("purged scope",
		zap.String("scope", scope),
		zap.Int("revisions", res.Revisions),
		zap.Int("documents", res.Documents),
		zap.Int("releasedFiles", len(res.ReleasedFiles)),
	)
	return res, nil
}
