package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/cache"
	"aquachain/api/internal/chain"
	"aquachain/api/internal/config"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/search"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// Runtime holds the engine and its backing services, wired from config.
type Runtime struct {
	DB      *sql.DB
	Store   *store.PostgresStore
	Engine  *chain.Engine
	Search  *search.Service
	closers []func()
}

// OpenRuntime wires the chain engine onto db. Redis and Meilisearch are
// optional; without them trees are not cached and search runs on Postgres.
func OpenRuntime(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{DB: db, Store: store.NewPostgresStore(db)}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("blob backend ready", zap.String("backend", backend.String()))

	var treeCache chain.TreeCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisTreeCache(cfg.RedisURL, cfg.TreeCacheTTL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = redisCache.Close() })
		treeCache = redisCache
		logger.Info("tree cache enabled", zap.Duration("ttl", cfg.TreeCacheTTL))
	}

	pgfts := search.NewPgFTS(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meiliClient.Close)
		index = meiliClient
	}
	rt.Search = search.NewService(index, pgfts, pgfts, logger)

	rt.Engine = chain.NewEngine(chain.Deps{
		Store:     rt.Store,
		Content:   blob.NewContentStore(backend, logger.Named("blob")),
		Templates: revision.DefaultTemplates(),
		Cache:     treeCache,
		Index:     rt.Search,
		Logger:    logger,
		Options: chain.Options{
			SystemScope:     cfg.SystemScope,
			MaxChainDepth:   cfg.MaxChainDepth,
			MaxLinkDepth:    cfg.MaxLinkDepth,
			ReplayWorkflows: cfg.ReplayWorkflows,
		},
	})
	return rt, nil
}

func openBackend(ctx context.Context, cfg config.Config) (blob.Backend, error) {
	switch cfg.BlobBackend {
	case "", "local":
		return blob.NewLocalBackend(cfg.BlobDir)
	case "minio":
		return blob.NewMinioBackend(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

// Close releases the optional services. The database is owned by the caller.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}
