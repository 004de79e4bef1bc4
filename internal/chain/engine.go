// Package chain reconstructs, persists and transfers aqua trees on top of a
// scoped revision store.
package chain

import (
	"context"
	"encoding/json"
	"fmt"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/search"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

// TreeCache keeps encoded reconstruction results by the key they were read
// from. Implementations must tolerate concurrent use.
type TreeCache interface {
	Get(ctx context.Context, key revision.ScopedKey) ([]byte, bool, error)
	Put(ctx context.Context, key revision.ScopedKey, data []byte) error
	InvalidateScope(ctx context.Context, scope string) error
}

// DocumentIndexer receives document tips after every committed write.
type DocumentIndexer interface {
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

type Options struct {
	SystemScope     string
	MaxChainDepth   int
	MaxLinkDepth    int
	ReplayWorkflows []string
}

func (o Options) withDefaults() Options {
	if o.SystemScope == "" {
		o.SystemScope = revision.SystemScope
	}
	if o.MaxChainDepth <= 0 {
		o.MaxChainDepth = 10000
	}
	if o.MaxLinkDepth <= 0 {
		o.MaxLinkDepth = 16
	}
	if o.ReplayWorkflows == nil {
		o.ReplayWorkflows = []string{revision.WorkflowAquaSign}
	}
	return o
}

// Deps are the collaborators of an Engine. Store and Content are required;
// the rest fall back to no-op implementations.
type Deps struct {
	Store       store.Store
	Content     *blob.ContentStore
	Templates   *revision.Templates
	Cache       TreeCache
	Index       DocumentIndexer
	Provisioner Provisioner
	Logger      *zap.Logger
	Options     Options
}

// Engine is the revision-chain engine. All methods are safe for concurrent
// use; writes to one scope are serialized by the store.
type Engine struct {
	store       store.Store
	content     *blob.ContentStore
	templates   *revision.Templates
	cache       TreeCache
	index       DocumentIndexer
	provisioner Provisioner
	logger      *zap.Logger
	opts        Options
	replay      map[string]bool
}

func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:       deps.Store,
		content:     deps.Content,
		templates:   deps.Templates,
		cache:       deps.Cache,
		index:       deps.Index,
		provisioner: deps.Provisioner,
		logger:      logger.Named("chain"),
		opts:        deps.Options.withDefaults(),
	}
	if e.templates == nil {
		e.templates = revision.DefaultTemplates()
	}
	if e.cache == nil {
		e.cache = nopCache{}
	}
	if e.index == nil {
		e.index = nopIndex{}
	}
	if e.provisioner == nil {
		e.provisioner = LogProvisioner{Logger: e.logger}
	}
	e.replay = make(map[string]bool, len(e.opts.ReplayWorkflows))
	for _, name := range e.opts.ReplayWorkflows {
		e.replay[name] = true
	}
	return e
}

func (e *Engine) Templates() *revision.Templates {
	return e.templates
}

// SystemScope is the scope holding the shared workflow templates.
func (e *Engine) SystemScope() string {
	return e.opts.SystemScope
}

func (e *Engine) Content() *blob.ContentStore {
	return e.content
}

// Result is a reconstructed tree together with the files it references.
type Result struct {
	Tree  revision.Tree         `json:"aquaTree"`
	Files []revision.FileObject `json:"fileObject"`
}

func (e *Engine) cachedResult(ctx context.Context, key revision.ScopedKey) (Result, bool) {
	data, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("tree cache read failed", zap.Stringer("key", key), zap.Error(err))
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		e.logger.Warn("tree cache entry unreadable", zap.Stringer("key", key), zap.Error(err))
		return Result{}, false
	}
	return res, true
}

func (e *Engine) storeResult(ctx context.Context, key revision.ScopedKey, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		e.logger.Warn("encode tree for cache", zap.Stringer("key", key), zap.Error(err))
		return
	}
	if err := e.cache.Put(ctx, key, data); err != nil {
		e.logger.Warn("tree cache write failed", zap.Stringer("key", key), zap.Error(err))
	}
}

// afterWrite runs once a transaction on scope committed.
func (e *Engine) afterWrite(ctx context.Context, scope string) {
	if err := e.cache.InvalidateScope(ctx, scope); err != nil {
		e.logger.Warn("tree cache invalidation failed", zap.String("scope", scope), zap.Error(err))
	}
}

func (e *Engine) indexTip(ctx context.Context, tip, replaced revision.ScopedKey) {
	if !replaced.IsZero() && replaced != tip {
		e.index.DeleteDocument(replaced.String())
	}
	latest, err := e.store.GetLatest(ctx, tip)
	if err != nil {
		e.logger.Warn("load latest pointer for indexing", zap.Stringer("tip", tip), zap.Error(err))
		return
	}
	e.index.IndexDocument(documentRecord(latest))
}

func documentRecord(l store.Latest) search.DocumentRecord {
	return search.DocumentRecord{
		ID:         l.Tip.String(),
		Name:       l.Name,
		Scope:      l.Tip.Scope,
		TipHash:    l.Tip.Hash,
		IsWorkflow: l.IsWorkflow,
	}
}

// resolveLink finds the stored revision a link target names: the linking
// scope first, then the system scope holding shared templates.
func (e *Engine) resolveLink(ctx context.Context, r store.Reader, scope, target string) (revision.ScopedKey, error) {
	candidates := []revision.ScopedKey{revision.NewScopedKey(scope, target)}
	if scope != e.opts.SystemScope {
		candidates = append(candidates, revision.NewScopedKey(e.opts.SystemScope, target))
	}
	for _, key := range candidates {
		ok, err := r.HasRevision(ctx, key)
		if err != nil {
			return revision.ScopedKey{}, err
		}
		if ok {
			return key, nil
		}
	}
	return revision.ScopedKey{}, fmt.Errorf("%w: link target %s unresolvable from scope %s", revision.ErrBrokenLink, target, scope)
}

// linksSystemTemplate reports whether rev links a registered system template.
func (e *Engine) linksSystemTemplate(rev revision.Revision) bool {
	link, ok := rev.Payload.(revision.LinkPayload)
	if !ok {
		return false
	}
	for _, target := range link.VerificationHashes {
		if e.templates.IsSystemHash(target) {
			return true
		}
	}
	return false
}

type nopCache struct{}

func (nopCache) Get(context.Context, revision.ScopedKey) ([]byte, bool, error) {
	return nil, false, nil
}
func (nopCache) Put(context.Context, revision.ScopedKey, []byte) error { return nil }
func (nopCache) InvalidateScope(context.Context, string) error         { return nil }

type nopIndex struct{}

func (nopIndex) IndexDocument(search.DocumentRecord) {}
func (nopIndex) DeleteDocument(string)               {}
