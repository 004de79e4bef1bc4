package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/bundle"
	"aquachain/api/internal/chain"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/search"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// SaveTreeInput is the body of a tree upload. Files carry the content of
// genesis revisions the server has not stored yet.
type SaveTreeInput struct {
	Tree       revision.Tree `json:"aquaTree"`
	TemplateID string        `json:"templateId"`
	Files      []FileInput   `json:"files"`
}

type FileInput struct {
	Name        string `json:"name"`
	ContentHash string `json:"contentHash"`
	Data        []byte `json:"data"`
}

type TransferInput struct {
	OriginScope string `json:"originScope"`
	Hash        string `json:"hash"`
	Previous    string `json:"previous"`
}

type documentSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Service struct {
	engine   *chain.Engine
	store    store.Store
	importer *bundle.Importer
	search   documentSearcher
	logger   *zap.Logger
}

// New wires the HTTP facing operations onto the chain engine. searcher may
// be nil, in which case search returns no results.
func New(engine *chain.Engine, dataStore store.Store, searcher documentSearcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:   engine,
		store:    dataStore,
		importer: bundle.NewImporter(engine, logger),
		search:   searcher,
		logger:   logger.Named("app"),
	}
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Tree reconstructs key for scope. Scopes read their own trees and the
// shared system templates.
func (s *Service) Tree(ctx context.Context, scope string, key revision.ScopedKey) (chain.Result, error) {
	if key.Scope != scope && key.Scope != s.engine.SystemScope() {
		return chain.Result{}, domainError(http.StatusForbidden, "FORBIDDEN", "Tree belongs to another scope", nil)
	}
	if err := revision.ValidateHash(key.Hash); err != nil {
		return chain.Result{}, err
	}
	return s.engine.Reconstruct(ctx, key)
}

func (s *Service) SaveTree(ctx context.Context, scope string, input SaveTreeInput) (map[string]any, error) {
	if len(input.Tree.Revisions) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "aquaTree.revisions is required", nil)
	}
	uploads, err := fileUploads(input.Files)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Save(ctx, chain.SaveRequest{
		Scope:      scope,
		Tree:       input.Tree,
		Uploads:    uploads,
		TemplateID: input.TemplateID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tip":        res.Tip.String(),
		"replaced":   res.Replaced.String(),
		"created":    res.Created,
		"isWorkflow": res.Workflow.IsWorkflow,
		"workflow":   res.Workflow.Name,
	}, nil
}

func (s *Service) AppendRevision(ctx context.Context, scope string, rev revision.Revision, files []FileInput) (map[string]any, error) {
	if rev.Hash == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "hash is required", nil)
	}
	uploads, err := fileUploads(files)
	if err != nil {
		return nil, err
	}
	key, err := s.engine.Append(ctx, scope, rev, uploads...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tip": key.String()}, nil
}

func fileUploads(files []FileInput) ([]blob.Upload, error) {
	uploads := make([]blob.Upload, 0, len(files))
	for i, f := range files {
		if strings.TrimSpace(f.ContentHash) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("files[%d].contentHash is required", i), nil)
		}
		uploads = append(uploads, blob.Upload{
			ContentHash: f.ContentHash,
			Name:        f.Name,
			Body:        bytes.NewReader(f.Data),
			Size:        int64(len(f.Data)),
		})
	}
	return uploads, nil
}

// Transfer pulls a revision another scope holds into scope.
func (s *Service) Transfer(ctx context.Context, scope string, input TransferInput) (map[string]any, error) {
	if strings.TrimSpace(input.OriginScope) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "originScope is required", nil)
	}
	res, err := s.engine.Transfer(ctx, chain.TransferRequest{
		OriginScope: input.OriginScope,
		TargetScope: scope,
		Hash:        input.Hash,
		Previous:    input.Previous,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"tip":         res.Tip.String(),
		"created":     res.Created,
		"reconciled":  res.Reconciled,
		"linkedTrees": res.LinkedTrees,
	}, nil
}

func (s *Service) Import(ctx context.Context, scope string, r io.ReaderAt, size int64) (map[string]any, error) {
	res, err := s.importer.Import(ctx, scope, r, size)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"main":       res.Main.String(),
		"trees":      len(res.Saved),
		"isWorkflow": res.Workflow.IsWorkflow,
		"workflow":   res.Workflow.Name,
	}, nil
}

func (s *Service) ListDocuments(ctx context.Context, scope string, includeWorkflows bool) ([]map[string]any, error) {
	docs, err := s.engine.ListDocuments(ctx, scope, includeWorkflows)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		items = append(items, map[string]any{
			"id":         d.Tip.String(),
			"name":       d.Name,
			"tipHash":    d.Tip.Hash,
			"templateId": d.TemplateID,
			"isWorkflow": d.IsWorkflow,
			"createdAt":  d.CreatedAt.UTC().Format(time.RFC3339),
			"updatedAt":  d.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) Search(ctx context.Context, scope, text string, includeWorkflows bool, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{
		Text:             text,
		Scope:            scope,
		IncludeWorkflows: includeWorkflows,
		Limit:            limit,
		Offset:           offset,
	})
}

func (s *Service) PurgeScope(ctx context.Context, scope, target string) (map[string]any, error) {
	if target != scope {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can purge a scope", nil)
	}
	res, err := s.engine.PurgeScope(ctx, target)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"revisions":     res.Revisions,
		"documents":     res.Documents,
		"releasedFiles": len(res.ReleasedFiles),
	}, nil
}

// OpenFile opens the blob stored for contentHash. The caller closes it.
func (s *Service) OpenFile(ctx context.Context, contentHash string) (blob.Object, store.FileRecord, error) {
	if err := revision.ValidateHash(contentHash); err != nil {
		return blob.Object{}, store.FileRecord{}, err
	}
	rec, err := s.store.GetFileRecord(ctx, contentHash)
	if err != nil {
		return blob.Object{}, store.FileRecord{}, err
	}
	obj, err := s.engine.Content().Open(ctx, rec.Location)
	if err != nil {
		return blob.Object{}, store.FileRecord{}, err
	}
	return obj, rec, nil
}
