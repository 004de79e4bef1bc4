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

// SaveRequest is an incoming tree to materialize under Scope. Uploads carry
// content for revision content hashes that are not stored yet.
type SaveRequest struct {
	Scope      string
	Tree       revision.Tree
	Uploads    []blob.Upload
	TemplateID string
	// IsWorkflow marks a newly created latest pointer as workflow internal.
	IsWorkflow bool
}

type SaveResult struct {
	Tip revision.ScopedKey
	// Replaced is the earlier tip whose latest pointer moved onto Tip.
	Replaced revision.ScopedKey
	Created  int
	Workflow revision.Workflow
}

// Save validates req.Tree and upserts every revision, payload, child edge
// and file reference in one transaction, then moves the scope's latest
// pointer for the document onto the tree's tip. Saving a tree that is
// already stored changes nothing.
func (e *Engine) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	if req.Scope == "" {
		return SaveResult{}, fmt.Errorf("%w: empty scope", revision.ErrMalformedTree)
	}
	ordered, err := revision.Order(req.Tree)
	if err != nil {
		return SaveResult{}, err
	}
	if err := validateChain(ordered); err != nil {
		return SaveResult{}, err
	}
	genesis := ordered[0]
	if genesis.ContentHash == "" {
		return SaveResult{}, fmt.Errorf("%w: genesis %s", revision.ErrMissingFileHash, genesis.Hash)
	}

	kept := map[string]bool{}
	staged, err := e.stage(ctx, req.Uploads)
	defer e.discardUnkept(ctx, staged, kept)
	if err != nil {
		return SaveResult{}, err
	}

	res := SaveResult{Workflow: e.templates.Classify(req.Tree)}
	tipKey := revision.NewScopedKey(req.Scope, ordered[len(ordered)-1].Hash)
	name := revision.DisplayName(req.Tree)

	err = e.store.InTx(ctx, req.Scope, func(tx store.Tx) error {
		res = SaveResult{Workflow: res.Workflow, Tip: tipKey}
		clear(kept)

		workflowLink := false
		for _, rev := range ordered {
			rec := store.RecordFor(req.Scope, rev)
			if !rec.IsGenesis() {
				if err := requireSingleChild(ctx, tx, rec.Previous, rec.Key); err != nil {
					return err
				}
			}
			created, err := tx.InsertRevision(ctx, rec)
			if err != nil {
				return err
			}
			if created {
				res.Created++
				if err := tx.PutPayload(ctx, rec.Key, rev.Payload); err != nil {
					return err
				}
			}
			if !rec.IsGenesis() {
				if err := tx.AddChild(ctx, rec.Previous, rec.Key); err != nil {
					return err
				}
			}

			if err := recordContent(ctx, tx, rec, staged, kept); err != nil {
				return err
			}
			if rec.IsGenesis() {
				if err := tx.PutFileName(ctx, rec.Key, name); err != nil {
					return err
				}
			}

			if link, ok := rev.Payload.(revision.LinkPayload); ok {
				for _, target := range link.VerificationHashes {
					if _, err := e.resolveLink(ctx, tx, req.Scope, target); err != nil {
						return err
					}
				}
				workflowLink = workflowLink || e.linksSystemTemplate(rev)
			}
		}

		// A tree that is a prefix of a longer stored chain leaves the
		// document's pointer where it is.
		successors, err := tx.GetChildren(ctx, tipKey)
		if err != nil {
			return err
		}
		if len(successors) > 0 {
			return nil
		}

		replaced, err := e.upsertLatest(ctx, tx, req, ordered, name)
		if err != nil {
			return err
		}
		res.Replaced = replaced
		if workflowLink {
			return tx.SetWorkflow(ctx, tipKey, true)
		}
		return nil
	})
	if err != nil {
		clear(kept)
		return SaveResult{}, err
	}

	e.afterWrite(ctx, req.Scope)
	e.indexTip(ctx, tipKey, res.Replaced)
	e.logger.Info("saved tree",
		zap.Stringer("tip", tipKey),
		zap.Int("revisions", len(ordered)),
		zap.Int("created", res.Created),
		zap.Bool("workflow", res.Workflow.IsWorkflow),
	)

	if res.Workflow.Name == revision.WorkflowLicence {
		if grant, ok := licenceGrant(req.Tree, req.Scope); ok {
			e.provisionAsync(ctx, grant)
		}
	}
	return res, nil
}

// upsertLatest moves the document's pointer onto the tip. The deepest
// revision of the tree that already carries a pointer is repointed; when none
// does, a new pointer is created.
func (e *Engine) upsertLatest(ctx context.Context, tx store.Tx, req SaveRequest, ordered []revision.Revision, name string) (revision.ScopedKey, error) {
	tip := revision.NewScopedKey(req.Scope, ordered[len(ordered)-1].Hash)
	for i := len(ordered) - 1; i >= 0; i-- {
		key := revision.NewScopedKey(req.Scope, ordered[i].Hash)
		_, err := tx.GetLatest(ctx, key)
		if errors.Is(err, revision.ErrNotFound) {
			continue
		}
		if err != nil {
			return revision.ScopedKey{}, err
		}
		if key == tip {
			return revision.ScopedKey{}, nil
		}
		if err := tx.RepointLatest(ctx, key, tip); err != nil {
			return revision.ScopedKey{}, err
		}
		return key, nil
	}
	return revision.ScopedKey{}, tx.InsertLatest(ctx, store.Latest{
		Tip:        tip,
		TemplateID: req.TemplateID,
		IsWorkflow: req.IsWorkflow,
		Name:       name,
	})
}

// recordContent turns the staged upload for rec's content into a file record
// and references it from rec. A genesis must reference stored content; later
// revisions only reference content that has a record, since form and
// signature hashes name no file.
func recordContent(ctx context.Context, tx store.Tx, rec store.RevisionRecord, staged map[string]blob.Staged, kept map[string]bool) error {
	if rec.ContentHash == "" {
		return nil
	}
	if st, ok := staged[rec.ContentHash]; ok {
		inserted, err := tx.InsertFileRecord(ctx, store.FileRecord{
			ContentHash: st.ContentHash,
			Location:    st.Location,
			Size:        st.Size,
		})
		if err != nil {
			return err
		}
		kept[rec.ContentHash] = kept[rec.ContentHash] || inserted
	}
	if !rec.IsGenesis() {
		_, err := tx.GetFileRecord(ctx, rec.ContentHash)
		if errors.Is(err, revision.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return tx.AddFileRef(ctx, rec.ContentHash, rec.Key)
}

// requireSingleChild rejects a second successor of parent. Chains never fork.
func requireSingleChild(ctx context.Context, r store.Reader, parent, child revision.ScopedKey) error {
	children, err := r.GetChildren(ctx, parent)
	if err != nil {
		return err
	}
	for _, existing := range children {
		if existing != child {
			return fmt.Errorf("%w: %s already continues with %s", revision.ErrPredecessorNotLatest, parent, existing)
		}
	}
	return nil
}

// stage writes uploads whose content is not recorded yet.
func (e *Engine) stage(ctx context.Context, uploads []blob.Upload) (map[string]blob.Staged, error) {
	staged := map[string]blob.Staged{}
	for _, u := range uploads {
		if u.ContentHash == "" {
			return staged, fmt.Errorf("%w: upload %q has no content hash", revision.ErrMalformedTree, u.Name)
		}
		if _, ok := staged[u.ContentHash]; ok {
			continue
		}
		_, err := e.store.GetFileRecord(ctx, u.ContentHash)
		if err == nil {
			continue
		}
		if !errors.Is(err, revision.ErrNotFound) {
			return staged, err
		}
		st, err := e.content.Stage(ctx, u)
		if err != nil {
			return staged, err
		}
		staged[u.ContentHash] = st
	}
	return staged, nil
}

// discardUnkept removes staged blobs that did not become a file record.
func (e *Engine) discardUnkept(ctx context.Context, staged map[string]blob.Staged, kept map[string]bool) {
	var discard []string
	for hash, st := range staged {
		if !kept[hash] {
			discard = append(discard, st.Location)
		}
	}
	e.content.Discard(context.WithoutCancel(ctx), discard...)
}
