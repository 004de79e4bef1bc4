package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"aquachain/api/internal/revision"
	"github.com/google/go-cmp/cmp"
)

func hashN(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func key(scope string, n int) revision.ScopedKey {
	return revision.NewScopedKey(scope, hashN(n))
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertRevisionIsIdempotent", func(t *testing.T) { testInsertRevisionIsIdempotent(t, newStore(t)) })
	t.Run("FailedTxLeavesNoTrace", func(t *testing.T) { testFailedTxLeavesNoTrace(t, newStore(t)) })
	t.Run("PayloadsRoundTrip", func(t *testing.T) { testPayloadsRoundTrip(t, newStore(t)) })
	t.Run("FileDedupAcrossScopes", func(t *testing.T) { testFileDedupAcrossScopes(t, newStore(t)) })
	t.Run("LatestPointerLifecycle", func(t *testing.T) { testLatestPointerLifecycle(t, newStore(t)) })
	t.Run("PurgeReleasesUnreferencedFiles", func(t *testing.T) { testPurgeReleasesUnreferencedFiles(t, newStore(t)) })
	t.Run("RepeatedPayloadKeepsFirst", func(t *testing.T) { testRepeatedPayloadKeepsFirst(t, newStore(t)) })
	t.Run("ConcurrentContentInsertedOnce", func(t *testing.T) { testConcurrentContentInsertedOnce(t, newStore(t), 4) })
	t.Run("ConcurrentChildWritesSerialize", func(t *testing.T) { testConcurrentChildWritesSerialize(t, newStore(t), 4) })
}

func genesisRecord(scope string, n, content int) RevisionRecord {
	return RevisionRecord{
		Key:            key(scope, n),
		Kind:           revision.KindFile,
		ContentHash:    hashN(content),
		Nonce:          "nonce",
		LocalTimestamp: "20250101000000",
		Version:        revision.DefaultVersion,
		Leaves:         []string{"0xleaf"},
	}
}

func childRecord(scope string, n, prev int, kind revision.Kind) RevisionRecord {
	return RevisionRecord{
		Key:            key(scope, n),
		Previous:       key(scope, prev),
		Kind:           kind,
		LocalTimestamp: "20250101000001",
		Version:        revision.DefaultVersion,
	}
}

func testInsertRevisionIsIdempotent(t *testing.T, s Store) {
	ctx := context.Background()
	rec := genesisRecord("alice", 1, 100)

	for i, want := range []bool{true, false} {
		err := s.InTx(ctx, "alice", func(tx Tx) error {
			created, err := tx.InsertRevision(ctx, rec)
			if err != nil {
				return err
			}
			if created != want {
				t.Fatalf("insert %d: created = %v, want %v", i, created, want)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("InTx() error = %v", err)
		}
	}

	got, err := s.GetRevision(ctx, rec.Key)
	if err != nil {
		t.Fatalf("GetRevision() error = %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("revision mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetRevision(ctx, key("alice", 2)); !errors.Is(err, revision.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testFailedTxLeavesNoTrace(t *testing.T, s Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, "alice", func(tx Tx) error {
		if _, err := tx.InsertRevision(ctx, genesisRecord("alice", 1, 100)); err != nil {
			return err
		}
		if err := tx.InsertLatest(ctx, Latest{Tip: key("alice", 1)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ok, err := s.HasRevision(ctx, key("alice", 1)); err != nil || ok {
		t.Fatalf("HasRevision() = %v, %v; want false", ok, err)
	}
	items, err := s.ListLatest(ctx, "alice")
	if err != nil || len(items) != 0 {
		t.Fatalf("ListLatest() = %v, %v; want empty", items, err)
	}
}

func testPayloadsRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	form := revision.FormPayload{Fields: []revision.FormField{
		{Name: "signers", Value: "0xabc", Type: "string"},
		{Name: "amount", Value: "3", Type: "number"},
	}}
	sig := revision.SignaturePayload{Digest: "0xsig", PublicKey: "0x04", WalletAddress: revision.SystemScope, Type: "ethereum:eip-191"}
	witness := revision.WitnessPayload{MerkleRoot: hashN(50), Timestamp: 1735689600, Network: "sepolia", ContractAddress: "0x45f5", TransactionHash: hashN(51), SenderAddress: revision.SystemScope}
	link := revision.LinkPayload{Type: "aqua", VerificationHashes: []string{hashN(60)}, FileHashes: []string{hashN(61)}}

	payloads := map[int]revision.Payload{2: form, 3: sig, 4: witness, 5: link}
	kinds := map[int]revision.Kind{2: revision.KindForm, 3: revision.KindSignature, 4: revision.KindWitness, 5: revision.KindLink}

	for _, scope := range []string{"alice", "bob"} {
		err := s.InTx(ctx, scope, func(tx Tx) error {
			if _, err := tx.InsertRevision(ctx, genesisRecord(scope, 1, 100)); err != nil {
				return err
			}
			for n := 2; n <= 5; n++ {
				if _, err := tx.InsertRevision(ctx, childRecord(scope, n, n-1, kinds[n])); err != nil {
					return err
				}
				if err := tx.AddChild(ctx, key(scope, n-1), key(scope, n)); err != nil {
					return err
				}
				if err := tx.PutPayload(ctx, key(scope, n), payloads[n]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("InTx(%s) error = %v", scope, err)
		}
	}

	for n := 2; n <= 5; n++ {
		got, err := s.GetPayload(ctx, key("bob", n), kinds[n])
		if err != nil {
			t.Fatalf("GetPayload(%d) error = %v", n, err)
		}
		if diff := cmp.Diff(payloads[n], got); diff != "" {
			t.Fatalf("payload %d mismatch (-want +got):\n%s", n, diff)
		}
	}

	children, err := s.GetChildren(ctx, key("alice", 2))
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 1 || children[0] != key("alice", 3) {
		t.Fatalf("unexpected children %v", children)
	}

	err = s.InTx(ctx, "alice", func(tx Tx) error {
		return tx.AddChild(ctx, key("alice", 1), key("bob", 2))
	})
	if !errors.Is(err, revision.ErrBrokenLink) {
		t.Fatalf("expected ErrBrokenLink for cross-scope child, got %v", err)
	}
}

func testFileDedupAcrossScopes(t *testing.T, s Store) {
	ctx := context.Background()
	content := hashN(100)

	for i, scope := range []string{"alice", "bob"} {
		err := s.InTx(ctx, scope, func(tx Tx) error {
			created, err := tx.InsertFileRecord(ctx, FileRecord{ContentHash: content, Location: "blob-" + scope, Size: 42})
			if err != nil {
				return err
			}
			if created != (i == 0) {
				t.Fatalf("%s: created = %v", scope, created)
			}
			if _, err := tx.InsertRevision(ctx, genesisRecord(scope, 1, 100)); err != nil {
				return err
			}
			return tx.AddFileRef(ctx, content, key(scope, 1))
		})
		if err != nil {
			t.Fatalf("InTx(%s) error = %v", scope, err)
		}
	}

	rec, err := s.GetFileRecord(ctx, content)
	if err != nil {
		t.Fatalf("GetFileRecord() error = %v", err)
	}
	if rec.Location != "blob-alice" || rec.Size != 42 {
		t.Fatalf("unexpected record %+v", rec)
	}
	refs, err := s.GetFileRefs(ctx, content)
	if err != nil {
		t.Fatalf("GetFileRefs() error = %v", err)
	}
	if diff := cmp.Diff([]revision.ScopedKey{key("alice", 1), key("bob", 1)}, refs); diff != "" {
		t.Fatalf("refs mismatch (-want +got):\n%s", diff)
	}
	if got, err := s.FindContentHash(ctx, key("bob", 1)); err != nil || got != content {
		t.Fatalf("FindContentHash() = %s, %v", got, err)
	}

	err = s.InTx(ctx, "carol", func(tx Tx) error {
		return tx.AddFileRef(ctx, hashN(999), key("carol", 1))
	})
	if !errors.Is(err, revision.ErrOrphanedContent) {
		t.Fatalf("expected ErrOrphanedContent, got %v", err)
	}
}

func testLatestPointerLifecycle(t *testing.T, s Store) {
	ctx := context.Background()
	err := s.InTx(ctx, "alice", func(tx Tx) error {
		if err := tx.InsertLatest(ctx, Latest{Tip: key("alice", 1), TemplateID: "tmpl", Name: "contract.pdf"}); err != nil {
			return err
		}
		if err := tx.InsertLatest(ctx, Latest{Tip: key("alice", 9), Name: "other.pdf"}); err != nil {
			return err
		}
		if err := tx.RepointLatest(ctx, key("alice", 1), key("alice", 2)); err != nil {
			return err
		}
		return tx.SetWorkflow(ctx, key("alice", 2), true)
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}

	l, err := s.GetLatest(ctx, key("alice", 2))
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if l.TemplateID != "tmpl" || !l.IsWorkflow || l.Name != "contract.pdf" {
		t.Fatalf("repointed pointer lost its flags: %+v", l)
	}
	if _, err := s.GetLatest(ctx, key("alice", 1)); !errors.Is(err, revision.ErrNotFound) {
		t.Fatalf("expected old tip gone, got %v", err)
	}
	items, err := s.ListLatest(ctx, "alice")
	if err != nil || len(items) != 2 {
		t.Fatalf("ListLatest() = %v, %v", items, err)
	}

	err = s.InTx(ctx, "alice", func(tx Tx) error {
		return tx.RepointLatest(ctx, key("alice", 5), key("alice", 6))
	})
	if !errors.Is(err, revision.ErrNotFound) {
		t.Fatalf("expected ErrNotFound repointing a missing pointer, got %v", err)
	}
}

func testPurgeReleasesUnreferencedFiles(t *testing.T, s Store) {
	ctx := context.Background()
	shared, private := hashN(100), hashN(101)
	witness := revision.WitnessPayload{MerkleRoot: hashN(50), Timestamp: 1}

	save := func(scope string, contents ...string) {
		t.Helper()
		err := s.InTx(ctx, scope, func(tx Tx) error {
			for i, content := range contents {
				rec := genesisRecord(scope, i+1, 0)
				rec.ContentHash = content
				if _, err := tx.InsertRevision(ctx, rec); err != nil {
					return err
				}
				if _, err := tx.InsertFileRecord(ctx, FileRecord{ContentHash: content, Location: content}); err != nil {
					return err
				}
				if err := tx.AddFileRef(ctx, content, rec.Key); err != nil {
					return err
				}
				if err := tx.PutFileName(ctx, rec.Key, "file"); err != nil {
					return err
				}
				if err := tx.InsertLatest(ctx, Latest{Tip: rec.Key}); err != nil {
					return err
				}
			}
			if _, err := tx.InsertRevision(ctx, childRecord(scope, 10, 1, revision.KindWitness)); err != nil {
				return err
			}
			return tx.PutPayload(ctx, key(scope, 10), witness)
		})
		if err != nil {
			t.Fatalf("save %s: %v", scope, err)
		}
	}
	save("alice", shared, private)
	save("bob", shared)

	var result PurgeResult
	err := s.InTx(ctx, "alice", func(tx Tx) error {
		var err error
		result, err = tx.PurgeScope(ctx, "alice")
		return err
	})
	if err != nil {
		t.Fatalf("PurgeScope() error = %v", err)
	}
	if result.Revisions != 3 || result.Documents != 2 {
		t.Fatalf("unexpected purge result %+v", result)
	}
	if len(result.ReleasedFiles) != 1 || result.ReleasedFiles[0].ContentHash != private {
		t.Fatalf("expected only the private file released, got %+v", result.ReleasedFiles)
	}
	if _, err := s.GetFileRecord(ctx, shared); err != nil {
		t.Fatalf("shared file record should survive: %v", err)
	}
	refs, _ := s.GetFileRefs(ctx, shared)
	if len(refs) != 1 || refs[0].Scope != "bob" {
		t.Fatalf("unexpected refs after purge %v", refs)
	}
	if got, err := s.GetPayload(ctx, key("bob", 10), revision.KindWitness); err != nil || got.(revision.WitnessPayload).MerkleRoot != witness.MerkleRoot {
		t.Fatalf("bob's witness should survive: %v, %v", got, err)
	}
	if ok, _ := s.HasRevision(ctx, key("alice", 1)); ok {
		t.Fatal("alice's revisions should be gone")
	}
}

func testRepeatedPayloadKeepsFirst(t *testing.T, s Store) {
	ctx := context.Background()
	first := revision.SignaturePayload{Digest: "0xfirst", PublicKey: "0xpub", WalletAddress: "0x1111111111111111111111111111111111111111", Type: "ethereum:eip-191"}
	second := first
	second.Digest = "0xsecond"
	witness := revision.WitnessPayload{MerkleRoot: hashN(50), Timestamp: 1, Network: "sepolia"}

	write := func(scope string, fn func(tx Tx) error) {
		t.Helper()
		if err := s.InTx(ctx, scope, fn); err != nil {
			t.Fatalf("write %s: %v", scope, err)
		}
	}
	witnessChain := func(scope string, puts int) {
		t.Helper()
		write(scope, func(tx Tx) error {
			if _, err := tx.InsertRevision(ctx, genesisRecord(scope, 1, 100)); err != nil {
				return err
			}
			if _, err := tx.InsertRevision(ctx, childRecord(scope, 3, 1, revision.KindWitness)); err != nil {
				return err
			}
			for i := 0; i < puts; i++ {
				if err := tx.PutPayload(ctx, key(scope, 3), witness); err != nil {
					return err
				}
			}
			return nil
		})
	}
	purge := func(scope string) {
		t.Helper()
		write(scope, func(tx Tx) error {
			_, err := tx.PurgeScope(ctx, scope)
			return err
		})
	}

	witnessChain("alice", 2)
	write("alice", func(tx Tx) error {
		if _, err := tx.InsertRevision(ctx, childRecord("alice", 2, 1, revision.KindSignature)); err != nil {
			return err
		}
		if err := tx.PutPayload(ctx, key("alice", 2), first); err != nil {
			return err
		}
		return tx.PutPayload(ctx, key("alice", 2), second)
	})
	got, err := s.GetPayload(ctx, key("alice", 2), revision.KindSignature)
	if err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}
	if diff := cmp.Diff(revision.Payload(first), got); diff != "" {
		t.Fatalf("signature changed on resubmission (-want +got):\n%s", diff)
	}

	witnessChain("bob", 1)
	purge("alice")
	if _, err := s.GetPayload(ctx, key("bob", 3), revision.KindWitness); err != nil {
		t.Fatalf("bob's witness should survive alice's purge: %v", err)
	}
	purge("bob")

	// The event went away with its last witness, so a new one is stored as sent.
	witness.Network = "mainnet"
	witnessChain("carol", 1)
	got, err = s.GetPayload(ctx, key("carol", 3), revision.KindWitness)
	if err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}
	if network := got.(revision.WitnessPayload).Network; network != "mainnet" {
		t.Fatalf("expected a fresh witness event, got network %q", network)
	}
}

// testConcurrentContentInsertedOnce races writers from different scopes that
// register the same content. Exactly one of them creates the file record.
func testConcurrentContentInsertedOnce(t *testing.T, s Store, writers int) {
	ctx := context.Background()
	content := hashN(100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		scope := fmt.Sprintf("scope%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var inserted bool
			err := s.InTx(ctx, scope, func(tx Tx) error {
				var err error
				inserted, err = tx.InsertFileRecord(ctx, FileRecord{ContentHash: content, Location: "blob-" + scope, Size: 42})
				if err != nil {
					return err
				}
				if _, err := tx.InsertRevision(ctx, genesisRecord(scope, 1, 100)); err != nil {
					return err
				}
				return tx.AddFileRef(ctx, content, key(scope, 1))
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", scope, err))
				return
			}
			if inserted {
				winners = append(winners, scope)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("concurrent writers failed: %v", errs)
	}
	if len(winners) != 1 {
		t.Fatalf("expected one writer to create the record, got %v", winners)
	}
	rec, err := s.GetFileRecord(ctx, content)
	if err != nil {
		t.Fatalf("GetFileRecord() error = %v", err)
	}
	if rec.Location != "blob-"+winners[0] {
		t.Fatalf("record location %q does not belong to %s", rec.Location, winners[0])
	}
	refs, err := s.GetFileRefs(ctx, content)
	if err != nil {
		t.Fatalf("GetFileRefs() error = %v", err)
	}
	if len(refs) != writers {
		t.Fatalf("expected %d refs, got %v", writers, refs)
	}
}

var errChildTaken = errors.New("predecessor already has a child")

// testConcurrentChildWritesSerialize races writers extending the same
// revision of one scope. Each checks for an existing child first, so only
// one may succeed when the scope's transactions are serialized.
func testConcurrentChildWritesSerialize(t *testing.T, s Store, writers int) {
	ctx := context.Background()
	if err := s.InTx(ctx, "alice", func(tx Tx) error {
		_, err := tx.InsertRevision(ctx, genesisRecord("alice", 1, 100))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		errs      []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		child := childRecord("alice", 2+i, 1, revision.KindForm)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.InTx(ctx, "alice", func(tx Tx) error {
				children, err := tx.GetChildren(ctx, child.Previous)
				if err != nil {
					return err
				}
				if len(children) > 0 {
					return errChildTaken
				}
				if _, err := tx.InsertRevision(ctx, child); err != nil {
					return err
				}
				return tx.AddChild(ctx, child.Previous, child.Key)
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, errChildTaken):
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if succeeded != 1 {
		t.Fatalf("expected one writer to extend the chain, got %d", succeeded)
	}
	children, err := s.GetChildren(ctx, key("alice", 1))
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected a single child, got %v", children)
	}
}
