package app

import (
	"errors"
	"fmt"
	"net/http"

	"aquachain/api/internal/blob"
	"aquachain/api/internal/bundle"
	"aquachain/api/internal/revision"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Precondition failures are client errors that carry the wrapped message so
// the caller can import what is missing and retry. Structural errors of
// stored chains are server errors.
var errorMappings = []errorMapping{
	{revision.ErrInvalidHash, http.StatusBadRequest, "INVALID_HASH"},
	{revision.ErrMalformedTree, http.StatusBadRequest, "MALFORMED_TREE"},
	{bundle.ErrInvalidBundle, http.StatusBadRequest, "INVALID_BUNDLE"},
	{revision.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{blob.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{revision.ErrPredecessorNotFoundAtOrigin, http.StatusNotFound, "PREDECESSOR_NOT_FOUND_AT_ORIGIN"},
	{revision.ErrRevisionNotFoundAtOrigin, http.StatusNotFound, "REVISION_NOT_FOUND_AT_ORIGIN"},
	{revision.ErrPredecessorNotFoundAtTarget, http.StatusConflict, "PREDECESSOR_NOT_FOUND_AT_TARGET"},
	{revision.ErrPredecessorNotLatest, http.StatusConflict, "PREDECESSOR_NOT_LATEST"},
	{revision.ErrRevisionAlreadyExists, http.StatusConflict, "REVISION_ALREADY_EXISTS"},
	{revision.ErrDuplicateTransferRejected, http.StatusConflict, "DUPLICATE_TRANSFER_REJECTED"},
	{revision.ErrMissingFileHash, http.StatusUnprocessableEntity, "MISSING_FILE_HASH"},
	{revision.ErrChainTooDeep, http.StatusUnprocessableEntity, "CHAIN_TOO_DEEP"},
	{revision.ErrBrokenLink, http.StatusInternalServerError, "BROKEN_LINK"},
	{revision.ErrOrphanedContent, http.StatusInternalServerError, "ORPHANED_CONTENT"},
	{revision.ErrCycleDetected, http.StatusInternalServerError, "CYCLE_DETECTED"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				return m.status, m.code, "Stored chain is inconsistent", nil
			}
			return m.status, m.code, err.Error(), nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
