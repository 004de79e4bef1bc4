package chain

import (
	"fmt"
	"strings"

	"aquachain/api/internal/revision"
)

func validateChain(ordered []revision.Revision) error {
	for _, rev := range ordered {
		if err := validateRevision(rev); err != nil {
			return err
		}
	}
	return nil
}

// validateRevision checks the hashes and addresses a revision carries. It
// does not recompute hashes.
func validateRevision(rev revision.Revision) error {
	if err := revision.ValidateHash(rev.Hash); err != nil {
		return err
	}
	if !rev.IsGenesis() {
		if err := revision.ValidateHash(rev.Previous); err != nil {
			return fmt.Errorf("previous of %s: %w", rev.Hash, err)
		}
	}

	switch p := rev.Payload.(type) {
	case revision.SignaturePayload:
		if p.Digest == "" {
			return fmt.Errorf("%w: signature %s has no digest", revision.ErrMalformedTree, rev.Hash)
		}
		if err := checkAddress(rev.Hash, "signature wallet", p.WalletAddress); err != nil {
			return err
		}
	case revision.WitnessPayload:
		if p.MerkleRoot == "" {
			return fmt.Errorf("%w: witness %s has no merkle root", revision.ErrMalformedTree, rev.Hash)
		}
		if err := checkAddress(rev.Hash, "witness sender", p.SenderAddress); err != nil {
			return err
		}
	case revision.LinkPayload:
		if len(p.VerificationHashes) == 0 {
			return fmt.Errorf("%w: link %s has no targets", revision.ErrMalformedTree, rev.Hash)
		}
		for _, target := range p.VerificationHashes {
			if err := revision.ValidateHash(target); err != nil {
				return fmt.Errorf("link target of %s: %w", rev.Hash, err)
			}
		}
	}
	return nil
}

// checkAddress validates hex addresses only; DID and other schemes pass.
func checkAddress(hash, what, address string) error {
	if !strings.HasPrefix(address, "0x") {
		return nil
	}
	if !revision.ValidAddress(address) {
		return fmt.Errorf("%w: %s address %q of %s", revision.ErrMalformedTree, what, address, hash)
	}
	return nil
}
