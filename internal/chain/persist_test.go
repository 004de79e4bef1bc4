package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/revision"
	"aquachain/api/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func richTree() *treeBuilder {
	return newTree(1, "contract.pdf", 100).
		add(form("name", "Alice", "role", "buyer")).
		add(signature(1, aliceWallet)).
		add(witness("0xroot1"))
}

func TestSaveThenReconstructRoundTrips(t *testing.T) {
	f := newFixture(t)
	b := richTree()
	tree := b.build()

	res := f.save(t, "alice", tree, upload(100))
	if res.Tip != key("alice", 4) || res.Created != 4 {
		t.Fatalf("unexpected save result %+v", res)
	}

	got := f.reconstruct(t, res.Tip)
	if diff := cmp.Diff(tree, got.Tree, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("reconstructed tree mismatch (-want +got):\n%s", diff)
	}
	if len(got.Files) != 1 {
		t.Fatalf("expected one file object, got %d", len(got.Files))
	}
	file := got.Files[0]
	if file.Name != "contract.pdf" || file.URL != "/files/"+hashN(100) || file.Size != int64(len("content-100")) {
		t.Fatalf("unexpected file object %+v", file)
	}
}

func TestSaveGenesisOnlyScenario(t *testing.T) {
	f := newFixture(t)
	tree := newTree(1, "deed.pdf", 170).build()

	f.save(t, "alice", tree, upload(170))

	got := f.reconstruct(t, key("alice", 1))
	if len(got.Tree.Revisions) != 1 {
		t.Fatalf("expected one revision, got %d", len(got.Tree.Revisions))
	}
	if want := map[string]string{hashN(1): "deed.pdf"}; !cmp.Equal(want, got.Tree.FileIndex) {
		t.Fatalf("unexpected file index %v", got.Tree.FileIndex)
	}
	if got.Files[0].URL != revision.FileURL(hashN(170)) {
		t.Fatalf("unexpected file url %q", got.Files[0].URL)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tree := richTree().build()

	f.save(t, "alice", tree, upload(100))
	before := f.store.Counts()
	blobsBefore := blobCount(t, f.fs)

	res := f.save(t, "alice", tree, upload(100))
	if res.Created != 0 {
		t.Fatalf("expected nothing created on re-save, got %d", res.Created)
	}
	if diff := cmp.Diff(before, f.store.Counts()); diff != "" {
		t.Fatalf("store changed on re-save (-before +after):\n%s", diff)
	}
	if got := blobCount(t, f.fs); got != blobsBefore || got != 1 {
		t.Fatalf("expected exactly one blob, got %d (before %d)", got, blobsBefore)
	}
}

func TestSaveAcceptsRevisionsInAnyOrder(t *testing.T) {
	f := newFixture(t)
	b := richTree()

	// Tree maps carry no order; build one from a reversed slice to be sure.
	tree := revision.NewTree()
	for i := len(b.revisions) - 1; i >= 0; i-- {
		tree.Revisions[b.revisions[i].Hash] = b.revisions[i]
	}
	tree.FileIndex = b.build().FileIndex

	if res := f.save(t, "alice", tree, upload(100)); res.Tip != key("alice", 4) {
		t.Fatalf("expected tip at 4, got %s", res.Tip)
	}
}

func TestSaveDeduplicatesContentAcrossScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.save(t, "alice", newTree(1, "a.pdf", 100).build(), upload(100))
	f.save(t, "bob", newTree(50, "b.pdf", 100).build(), upload(100))

	counts := f.store.Counts()
	if counts.FileRecords != 1 || counts.FileRefs != 2 {
		t.Fatalf("expected one record with two refs, got %+v", counts)
	}
	refs, err := f.store.GetFileRefs(ctx, hashN(100))
	if err != nil {
		t.Fatalf("GetFileRefs() error = %v", err)
	}
	want := []revision.ScopedKey{key("alice", 1), key("bob", 50)}
	if diff := cmp.Diff(want, refs); diff != "" {
		t.Fatalf("unexpected refs (-want +got):\n%s", diff)
	}
	if got := blobCount(t, f.fs); got != 1 {
		t.Fatalf("expected one blob, got %d", got)
	}
}

func TestSaveRequiresGenesisContentHash(t *testing.T) {
	f := newFixture(t)
	b := newTree(1, "a.pdf", 100)
	b.revisions[0].ContentHash = ""

	_, err := f.engine.Save(context.Background(), SaveRequest{Scope: "alice", Tree: b.build()})
	if !errors.Is(err, revision.ErrMissingFileHash) {
		t.Fatalf("expected ErrMissingFileHash, got %v", err)
	}
}

func TestSaveWithoutContentIsAtomic(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Save(context.Background(), SaveRequest{Scope: "alice", Tree: richTree().build()})
	if !errors.Is(err, revision.ErrOrphanedContent) {
		t.Fatalf("expected ErrOrphanedContent, got %v", err)
	}
	if diff := cmp.Diff(store.Counts{}, f.store.Counts()); diff != "" {
		t.Fatalf("failed save left state behind:\n%s", diff)
	}
}

func TestSaveRejectsMalformedTrees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := newTree(1, "a.pdf", 100).add(form("a", "b")).build()
	rev := bad.Revisions[hashN(2)]
	rev.Previous = hashN(77)
	bad.Revisions[hashN(2)] = rev
	if _, err := f.engine.Save(ctx, SaveRequest{Scope: "alice", Tree: bad}); !errors.Is(err, revision.ErrMalformedTree) {
		t.Fatalf("expected ErrMalformedTree for dangling previous, got %v", err)
	}

	short := newTree(1, "a.pdf", 100).build()
	g := short.Revisions[hashN(1)]
	delete(short.Revisions, hashN(1))
	g.Hash = "0x1234"
	short.Revisions[g.Hash] = g
	if _, err := f.engine.Save(ctx, SaveRequest{Scope: "alice", Tree: short}); !errors.Is(err, revision.ErrInvalidHash) {
		t.Fatalf("expected ErrInvalidHash, got %v", err)
	}

	badWallet := newTree(1, "a.pdf", 100).add(signature(1, "0x1234")).build()
	if _, err := f.engine.Save(ctx, SaveRequest{Scope: "alice", Tree: badWallet}); !errors.Is(err, revision.ErrMalformedTree) {
		t.Fatalf("expected ErrMalformedTree for bad wallet, got %v", err)
	}
}

func TestSaveMovesLatestPointerAsChainGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := richTree()

	f.save(t, "alice", b.prefix(1), upload(100))
	res := f.save(t, "alice", b.prefix(3))
	if res.Replaced != key("alice", 1) {
		t.Fatalf("expected pointer to move from genesis, got %s", res.Replaced)
	}

	docs, err := f.store.ListLatest(ctx, "alice")
	if err != nil {
		t.Fatalf("ListLatest() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Tip != key("alice", 3) || docs[0].Name != "contract.pdf" {
		t.Fatalf("unexpected latest pointers %+v", docs)
	}

	// A shorter snapshot of a stored chain leaves the pointer alone.
	f.save(t, "alice", b.prefix(2))
	docs, _ = f.store.ListLatest(ctx, "alice")
	if len(docs) != 1 || docs[0].Tip != key("alice", 3) {
		t.Fatalf("prefix save moved the pointer: %+v", docs)
	}

	f.index.mu.Lock()
	defer f.index.mu.Unlock()
	if len(f.index.deleted) == 0 || f.index.deleted[0] != key("alice", 1).String() {
		t.Fatalf("expected replaced tip to leave the index, got %v", f.index.deleted)
	}
}

func TestSaveRejectsForks(t *testing.T) {
	f := newFixture(t)
	base := newTree(1, "a.pdf", 100)
	f.save(t, "alice", base.add(form("v", "1")).build(), upload(100))

	fork := newTree(1, "a.pdf", 100)
	fork.revisions = append(fork.revisions, revision.Revision{
		Hash:           hashN(40),
		Previous:       hashN(1),
		LocalTimestamp: testTimestamp,
		Version:        revision.DefaultVersion,
		Payload:        form("v", "2"),
	})
	_, err := f.engine.Save(context.Background(), SaveRequest{Scope: "alice", Tree: fork.build()})
	if !errors.Is(err, revision.ErrPredecessorNotLatest) {
		t.Fatalf("expected ErrPredecessorNotLatest, got %v", err)
	}
}

func TestSaveLinkToSystemTemplateMarksWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveSystemTemplates(t)

	doc := newTree(1, "contract.pdf", 100).
		add(link(signingTemplate().tip())).
		index(signingTemplate().tip(), "aqua_sign.json")
	res := f.save(t, "alice", doc.build(), upload(100))

	if !res.Workflow.IsWorkflow || res.Workflow.Name != revision.WorkflowAquaSign {
		t.Fatalf("expected aqua_sign workflow, got %+v", res.Workflow)
	}
	latest, err := f.store.GetLatest(ctx, res.Tip)
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if !latest.IsWorkflow {
		t.Fatal("expected latest pointer to be marked as workflow")
	}
}

func TestSaveRejectsUnresolvableLinks(t *testing.T) {
	f := newFixture(t)

	doc := newTree(1, "contract.pdf", 100).add(link(hashN(4242)))
	_, err := f.engine.Save(context.Background(), SaveRequest{Scope: "alice", Tree: doc.build(), Uploads: []blob.Upload{upload(100)}})
	if !errors.Is(err, revision.ErrBrokenLink) {
		t.Fatalf("expected ErrBrokenLink, got %v", err)
	}
	if counts := f.store.Counts(); counts.Revisions != 0 || counts.FileRecords != 0 {
		t.Fatalf("failed save left state behind: %+v", counts)
	}
	if got := blobCount(t, f.fs); got != 0 {
		t.Fatalf("expected staged blob to be discarded, found %d", got)
	}
}

func TestSaveInvalidatesScopeCache(t *testing.T) {
	f := newFixture(t)
	b := richTree()

	f.save(t, "alice", b.prefix(2), upload(100))
	f.reconstruct(t, key("alice", 2))
	f.reconstruct(t, key("alice", 2))
	if f.cache.hits != 1 {
		t.Fatalf("expected second read to hit the cache, got %d hits", f.cache.hits)
	}

	f.save(t, "alice", b.build())
	if _, ok := f.cache.entries[key("alice", 2)]; ok {
		t.Fatal("expected cached tree to be invalidated by the write")
	}
	if n := len(f.cache.invalidated); n == 0 || f.cache.invalidated[n-1] != "alice" {
		t.Fatalf("unexpected invalidations %v", f.cache.invalidated)
	}
}

// withFile appends a file revision carrying content to b.
func withFile(b *treeBuilder, content int) *treeBuilder {
	rev := b.next(revision.FilePayload{})
	rev.ContentHash = hashN(content)
	b.revisions = append(b.revisions, rev)
	return b
}

func TestSaveRecordsContentOfLaterRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := withFile(newTree(1, "contract.pdf", 100), 101)
	formRev := b.next(form("note", "signed copy"))
	formRev.ContentHash = hashN(300)
	b.revisions = append(b.revisions, formRev)

	f.save(t, "alice", b.build(), upload(100), upload(101))

	if _, err := f.store.GetFileRecord(ctx, hashN(101)); err != nil {
		t.Fatalf("expected a file record for the second file revision: %v", err)
	}
	refs, err := f.store.GetFileRefs(ctx, hashN(101))
	if err != nil {
		t.Fatalf("GetFileRefs() error = %v", err)
	}
	if len(refs) != 1 || refs[0] != key("alice", 2) {
		t.Fatalf("unexpected refs %v", refs)
	}
	if _, err := f.store.GetFileRecord(ctx, hashN(300)); !errors.Is(err, revision.ErrNotFound) {
		t.Fatalf("form content should not become a file record, got %v", err)
	}
	if got := blobCount(t, f.fs); got != 2 {
		t.Fatalf("expected both uploads kept, found %d blobs", got)
	}

	res, err := f.engine.PurgeScope(ctx, "alice")
	if err != nil {
		t.Fatalf("PurgeScope() error = %v", err)
	}
	if len(res.ReleasedFiles) != 2 {
		t.Fatalf("expected both files released, got %+v", res.ReleasedFiles)
	}
	if got := blobCount(t, f.fs); got != 0 {
		t.Fatalf("expected no blobs after purge, found %d", got)
	}
}

func TestSaveKeepsLaterContentSharedWithOtherScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, "alice", withFile(newTree(1, "contract.pdf", 100), 101).build(), upload(100), upload(101))
	f.save(t, "bob", newTree(50, "annex.pdf", 101).build())

	if _, err := f.engine.PurgeScope(ctx, "bob"); err != nil {
		t.Fatalf("PurgeScope() error = %v", err)
	}
	if _, err := f.store.GetFileRecord(ctx, hashN(101)); err != nil {
		t.Fatalf("alice still references the content: %v", err)
	}
	if got := blobCount(t, f.fs); got != 2 {
		t.Fatalf("expected both blobs to survive, found %d", got)
	}
}

// fork returns the genesis of newTree(1, ...) followed by a form revision
// numbered n.
func fork(n int) revision.Tree {
	b := newTree(1, "contract.pdf", 100)
	rev := b.next(form("branch", fmt.Sprint(n)))
	rev.Hash = hashN(n)
	b.revisions = append(b.revisions, rev)
	return b.build()
}

// race runs every fn at once and returns their errors in order.
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		i, fn := i, fn
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

// oneWinner fails unless exactly one error is nil and the rest report a
// stale predecessor.
func oneWinner(t *testing.T, errs []error) {
	t.Helper()
	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case !errors.Is(err, revision.ErrPredecessorNotLatest):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected one writer to win, errors = %v", errs)
	}
}

func TestConcurrentSavesKeepOneChildPerParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, "alice", newTree(1, "contract.pdf", 100).build(), upload(100))

	var fns []func() error
	for _, n := range []int{10, 20, 30, 40} {
		n := n
		fns = append(fns, func() error {
			_, err := f.engine.Save(ctx, SaveRequest{Scope: "alice", Tree: fork(n)})
			return err
		})
	}
	oneWinner(t, race(fns...))

	children, err := f.store.GetChildren(ctx, key("alice", 1))
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected one child of the genesis, got %v", children)
	}
	docs, err := f.engine.ListDocuments(ctx, "alice", true)
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 1 || docs[0].Tip != children[0] {
		t.Fatalf("latest pointer does not follow the winner: %+v", docs)
	}
}

func TestConcurrentAppendsKeepOneChildPerParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := newTree(1, "contract.pdf", 100)
	f.save(t, "alice", b.build(), upload(100))

	var fns []func() error
	for _, n := range []int{10, 20, 30} {
		rev := b.next(form("branch", fmt.Sprint(n)))
		rev.Hash = hashN(n)
		fns = append(fns, func() error {
			_, err := f.engine.Append(ctx, "alice", rev)
			return err
		})
	}
	oneWinner(t, race(fns...))

	if got := f.store.Counts(); got.Revisions != 2 || got.Children != 1 || got.Latest != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

func TestConcurrentSavesOfSameContentShareOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errs := race(
		func() error {
			_, err := f.engine.Save(ctx, SaveRequest{Scope: "alice", Tree: newTree(1, "contract.pdf", 100).build(), Uploads: []blob.Upload{upload(100)}})
			return err
		},
		func() error {
			_, err := f.engine.Save(ctx, SaveRequest{Scope: "bob", Tree: newTree(50, "copy.pdf", 100).build(), Uploads: []blob.Upload{upload(100)}})
			return err
		},
	)
	for _, err := range errs {
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	if got := f.store.Counts().FileRecords; got != 1 {
		t.Fatalf("expected one file record, got %d", got)
	}
	refs, err := f.store.GetFileRefs(ctx, hashN(100))
	if err != nil {
		t.Fatalf("GetFileRefs() error = %v", err)
	}
	if diff := cmp.Diff([]revision.ScopedKey{key("alice", 1), key("bob", 50)}, refs); diff != "" {
		t.Fatalf("refs mismatch (-want +got):\n%s", diff)
	}
	if got := blobCount(t, f.fs); got != 1 {
		t.Fatalf("expected the losing upload to be discarded, found %d blobs", got)
	}
	for _, k := range []revision.ScopedKey{key("alice", 1), key("bob", 50)} {
		res := f.reconstruct(t, k)
		if len(res.Files) != 1 {
			t.Fatalf("%s: expected the shared file, got %+v", k, res.Files)
		}
	}
}
