package synckit

import "errors"

var (
	// ErrInvalidRequest indicates a malformed auth command, such as an empty user id.
	ErrInvalidRequest = errors.New("renew.invalid_request")
	// ErrInvalidCredentials indicates a failed username/password check.
	ErrInvalidCredentials = errors.New("login.invalid_credentials")
	// ErrInvalidToken indicates the presented refresh key is unknown, already consumed, or swept.
	ErrInvalidToken = errors.New("renew.invalid_token")
	// ErrRenewalFailed indicates the refresh key was valid but the owning principal no longer exists.
	ErrRenewalFailed = errors.New("renew.failed")
	// ErrTokenNotFound is the store-level sentinel for a missing (owner, key) pair.
	ErrTokenNotFound = errors.New("token_store.not_found")
	// ErrPrincipalNotFound indicates no principal matched the requested identifier.
	ErrPrincipalNotFound = errors.New("identity.not_found")
)
