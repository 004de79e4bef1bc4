package revision

import "errors"

// Structural errors indicate persisted-state corruption or a malformed
// incoming tree. Precondition errors are expected, caller-facing conditions.
var (
	ErrNotFound        = errors.New("revision not found")
	ErrBrokenLink      = errors.New("broken chain link")
	ErrOrphanedContent = errors.New("orphaned content")
	ErrMissingFileHash = errors.New("genesis revision has no file hash")
	ErrCycleDetected   = errors.New("cycle detected in revision chain")
	ErrChainTooDeep    = errors.New("revision chain exceeds maximum depth")
	ErrMalformedTree   = errors.New("malformed aqua tree")
	ErrInvalidHash     = errors.New("invalid revision hash")

	ErrPredecessorNotFoundAtOrigin = errors.New("previous revision not found at origin scope")
	ErrRevisionNotFoundAtOrigin    = errors.New("new revision not found at origin scope")
	ErrPredecessorNotFoundAtTarget = errors.New("previous revision not found at target scope")
	ErrPredecessorNotLatest        = errors.New("previous revision is not a chain tip")
	ErrRevisionAlreadyExists       = errors.New("revision already exists")
	ErrDuplicateTransferRejected   = errors.New("cannot transfer a revision into its own scope")
)
