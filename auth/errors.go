package auth

import (
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-gateway-go/internal/apierror"
)

// ErrMissingCredential indicates the request carried no credential at all.
var ErrMissingCredential = errors.New("auth: missing credential")

// Code classifies a resolution failure.
type Code string

const (
	CodeInvalidCredential Code = "invalid_credential"
	CodeExpiredCredential Code = "expired_credential"
	CodeNotAMember        Code = "not_a_member"
	CodeScopeMismatch     Code = "scope_mismatch"
	CodeNotFound          Code = "not_found"
)

// ResolutionError is a typed rejection. Reason is for logs only and never
// sent to clients.
type ResolutionError struct {
	Code   Code
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("auth: %s", e.Code)
	}
	return fmt.Sprintf("auth: %s (%s)", e.Code, e.Reason)
}

// APIError maps the rejection onto the gateway taxonomy.
func (e *ResolutionError) APIError() *apierror.Error {
	switch e.Code {
	case CodeInvalidCredential:
		return apierror.Wrap(apierror.CodeUnauthorized, "invalid credential", e)
	case CodeExpiredCredential:
		return apierror.Wrap(apierror.CodeUnauthorized, "credential expired", e)
	case CodeNotAMember:
		return apierror.Wrap(apierror.CodeForbidden, "not a member of this organization", e)
	case CodeScopeMismatch:
		return apierror.Wrap(apierror.CodeForbidden, "resource belongs to a different organization", e)
	case CodeNotFound:
		return apierror.Wrap(apierror.CodeNotFound, "server not found", e)
	default:
		return apierror.Wrap(apierror.CodeServerError, "internal error", e)
	}
}

func reject(code Code, reason string) *ResolutionError {
	return &ResolutionError{Code: code, Reason: reason}
}

// IsCode reports whether err is a ResolutionError with the given code.
func IsCode(err error, code Code) bool {
	var re *ResolutionError
	return errors.As(err, &re) && re.Code == code
}
