package chain

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/search"
	"aquachain/api/internal/store"
	"github.com/spf13/afero"
)

const (
	testTimestamp = "20250101000000"
	aliceWallet   = "0x1111111111111111111111111111111111111111"
	bobWallet     = "0x2222222222222222222222222222222222222222"

	blobRoot = "/blobs"

	signingTemplateBase = 9000
	licenceTemplateBase = 9500
)

func hashN(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func key(scope string, n int) revision.ScopedKey {
	return revision.NewScopedKey(scope, hashN(n))
}

// treeBuilder grows a linear chain whose revisions are numbered from base.
type treeBuilder struct {
	base      int
	revisions []revision.Revision
	fileIndex map[string]string
}

func newTree(base int, name string, content int) *treeBuilder {
	return newTreeWithGenesis(base, name, content, revision.FilePayload{})
}

func newTreeWithGenesis(base int, name string, content int, payload revision.Payload) *treeBuilder {
	g := revision.Revision{
		Hash:           hashN(base),
		LocalTimestamp: testTimestamp,
		Version:        revision.DefaultVersion,
		Nonce:          fmt.Sprintf("nonce-%d", base),
		ContentHash:    hashN(content),
		Leaves:         []string{"0xleaf"},
		Payload:        payload,
	}
	return &treeBuilder{
		base:      base,
		revisions: []revision.Revision{g},
		fileIndex: map[string]string{g.Hash: name},
	}
}

func (b *treeBuilder) add(payload revision.Payload) *treeBuilder {
	b.revisions = append(b.revisions, b.next(payload))
	return b
}

// next returns the revision add would append without appending it.
func (b *treeBuilder) next(payload revision.Payload) revision.Revision {
	return revision.Revision{
		Hash:           hashN(b.base + len(b.revisions)),
		Previous:       b.revisions[len(b.revisions)-1].Hash,
		LocalTimestamp: testTimestamp,
		Version:        revision.DefaultVersion,
		Payload:        payload,
	}
}

func (b *treeBuilder) index(hash, name string) *treeBuilder {
	b.fileIndex[hash] = name
	return b
}

func (b *treeBuilder) tip() string {
	return b.revisions[len(b.revisions)-1].Hash
}

func (b *treeBuilder) genesis() string {
	return b.revisions[0].Hash
}

func (b *treeBuilder) build() revision.Tree {
	return b.prefix(len(b.revisions))
}

// prefix returns the tree of the first n revisions.
func (b *treeBuilder) prefix(n int) revision.Tree {
	tree := revision.NewTree()
	for _, rev := range b.revisions[:n] {
		tree.Revisions[rev.Hash] = rev
	}
	for hash, name := range b.fileIndex {
		tree.FileIndex[hash] = name
	}
	return tree
}

func form(fields ...string) revision.FormPayload {
	p := revision.FormPayload{}
	for i := 0; i+1 < len(fields); i += 2 {
		p.Fields = append(p.Fields, revision.FormField{Name: fields[i], Value: fields[i+1], Type: "string"})
	}
	return p
}

func signature(n int, wallet string) revision.SignaturePayload {
	return revision.SignaturePayload{
		Digest:        fmt.Sprintf("0xsig%d", n),
		PublicKey:     "0xpub",
		WalletAddress: wallet,
		Type:          "ethereum:eip-191",
	}
}

func witness(root string) revision.WitnessPayload {
	return revision.WitnessPayload{
		MerkleRoot:      root,
		Timestamp:       1700000000,
		Network:         "sepolia",
		ContractAddress: "0x45f59310ADD88E6d23ca58A0Fa7A55BEE6d2a611",
		TransactionHash: "0xtx",
		SenderAddress:   aliceWallet,
	}
}

func link(targets ...string) revision.LinkPayload {
	return revision.LinkPayload{Type: "aqua", VerificationHashes: targets, FileHashes: []string{}}
}

func upload(content int) blob.Upload {
	return blob.Upload{
		ContentHash: hashN(content),
		Name:        "file.pdf",
		Body:        strings.NewReader(fmt.Sprintf("content-%d", content)),
		Size:        -1,
	}
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[revision.ScopedKey][]byte
	hits        int
	invalidated []string
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[revision.ScopedKey][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key revision.ScopedKey) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return data, ok, nil
}

func (c *mapCache) Put(_ context.Context, key revision.ScopedKey, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
	return nil
}

func (c *mapCache) InvalidateScope(_ context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Scope == scope {
			delete(c.entries, key)
		}
	}
	c.invalidated = append(c.invalidated, scope)
	return nil
}

type recordingIndex struct {
	mu      sync.Mutex
	indexed []search.DocumentRecord
	deleted []string
}

func (r *recordingIndex) IndexDocument(doc search.DocumentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, doc)
}

func (r *recordingIndex) DeleteDocument(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

type fixture struct {
	engine    *Engine
	store     *store.MemoryStore
	fs        afero.Fs
	cache     *mapCache
	index     *recordingIndex
	templates *revision.Templates
}

func newFixture(t *testing.T, configure ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemoryStore(),
		fs:        afero.NewMemMapFs(),
		cache:     newMapCache(),
		index:     &recordingIndex{},
		templates: revision.NewTemplates(),
	}
	f.templates.Register(revision.WorkflowAquaSign, signingTemplate().tip())
	f.templates.Register(revision.WorkflowLicence, "")

	deps := Deps{
		Store:     f.store,
		Content:   blob.NewContentStore(blob.NewLocalBackendFs(afero.NewBasePathFs(f.fs, blobRoot)), nil),
		Templates: f.templates,
		Cache:     f.cache,
		Index:     f.index,
	}
	for _, c := range configure {
		c(&deps)
	}
	f.engine = NewEngine(deps)
	return f
}

func (f *fixture) save(t *testing.T, scope string, tree revision.Tree, uploads ...blob.Upload) SaveResult {
	t.Helper()
	res, err := f.engine.Save(context.Background(), SaveRequest{Scope: scope, Tree: tree, Uploads: uploads})
	if err != nil {
		t.Fatalf("Save(%s) error = %v", scope, err)
	}
	return res
}

func (f *fixture) reconstruct(t *testing.T, k revision.ScopedKey) Result {
	t.Helper()
	res, err := f.engine.Reconstruct(context.Background(), k)
	if err != nil {
		t.Fatalf("Reconstruct(%s) error = %v", k, err)
	}
	return res
}

func signingTemplate() *treeBuilder {
	return newTree(signingTemplateBase, "aqua_sign.json", signingTemplateBase+100).
		add(form("signers", "", "document", ""))
}

func licenceTemplate() *treeBuilder {
	return newTree(licenceTemplateBase, "aquafier_licence.json", licenceTemplateBase+100).
		add(form("package_id", ""))
}

// saveSystemTemplates stores the shared templates under the system scope.
func (f *fixture) saveSystemTemplates(t *testing.T) {
	t.Helper()
	f.save(t, revision.SystemScope, signingTemplate().build(), upload(signingTemplateBase+100))
	f.save(t, revision.SystemScope, licenceTemplate().build(), upload(licenceTemplateBase+100))
}

// blobCount counts every file below the blob root.
func blobCount(t *testing.T, fs afero.Fs) int {
	t.Helper()
	if ok, _ := afero.DirExists(fs, blobRoot); !ok {
		return 0
	}
	count := 0
	err := afero.Walk(fs, blobRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk blobs: %v", err)
	}
	return count
}
