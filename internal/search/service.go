package search

import (
	"context"

	"go.uber.org/zap"
)

// Index is a search backend that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// RecordLoader lists every indexable document from the primary store.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]DocumentRecord, error)
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	loader   RecordLoader
	logger   *zap.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured; loader may be nil when reindexing is not wanted.
func NewService(index Index, fallback Searcher, loader RecordLoader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: index, fallback: fallback, loader: loader, logger: logger.Named("search")}
}

func (s *Service) indexAvailable() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexAvailable() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDocument indexes a document tip (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.indexAvailable() {
		return
	}
	go func() {
		if err := s.index.IndexDocument(doc); err != nil {
			s.logger.Warn("index document", zap.String("id", doc.ID), zap.Error(err))
		}
	}()
}

// DeleteDocument removes a document tip from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if !s.indexAvailable() {
		return
	}
	go func() {
		if err := s.index.DeleteDocument(id); err != nil {
			s.logger.Warn("delete document", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAll reads every document tip from the store and pushes it to
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexAvailable() || s.loader == nil {
		return
	}
	documents, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		s.logger.Warn("reindex documents", zap.Error(err))
		return
	}
	s.logger.Info("reindexed documents", zap.Int("count", len(documents)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
