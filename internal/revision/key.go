package revision

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const keySeparator = "_"

// ScopedKey identifies one revision inside one owner scope. Its wire form is
// "{scope}_{hash}"; ParseScopedKey and String are the only places that know it.
type ScopedKey struct {
	Scope string
	Hash  string
}

func NewScopedKey(scope, hash string) ScopedKey {
	return ScopedKey{Scope: scope, Hash: hash}
}

func ParseScopedKey(value string) (ScopedKey, error) {
	idx := strings.LastIndex(value, keySeparator)
	if idx <= 0 || idx == len(value)-1 {
		return ScopedKey{}, fmt.Errorf("%w: scoped key %q", ErrInvalidHash, value)
	}
	return ScopedKey{Scope: value[:idx], Hash: value[idx+1:]}, nil
}

func (k ScopedKey) String() string {
	if k.IsZero() {
		return ""
	}
	return k.Scope + keySeparator + k.Hash
}

func (k ScopedKey) IsZero() bool {
	return k.Scope == "" && k.Hash == ""
}

// Rescope returns the same hash under another scope.
func (k ScopedKey) Rescope(scope string) ScopedKey {
	return ScopedKey{Scope: scope, Hash: k.Hash}
}

// ValidHash reports whether value is "0x" followed by 64 hex characters.
func ValidHash(value string) bool {
	if len(value) != 2+2*common.HashLength {
		return false
	}
	_, err := hexutil.Decode(value)
	return err == nil
}

// ValidateHash returns ErrInvalidHash for anything ValidHash rejects.
func ValidateHash(value string) error {
	if !ValidHash(value) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, value)
	}
	return nil
}

// ValidAddress reports whether value is a hex-encoded account address.
func ValidAddress(value string) bool {
	return common.IsHexAddress(value)
}
