package auth

import "errors"

// Error taxonomy shared by every core operation. Transport layers map these
// onto status codes; messages never explain why a credential was rejected.
var (
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: conflict")
	ErrInvariant       = errors.New("auth: protected identity")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnavailable     = errors.New("auth: collaborator unavailable")
)
