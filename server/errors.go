package server

import "errors"

// Error taxonomy surfaced by the API. Credential failures are uniform so
// callers cannot enumerate usernames.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidClient      = errors.New("unknown or deactivated client")
	ErrInvalidCallback    = errors.New("callback origin does not match registered domain")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenInvalid       = errors.New("token invalid")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrRefreshReuse       = errors.New("refresh token reuse detected")
	ErrPropagationTimeout = errors.New("propagation dispatch timed out")
	ErrStoreUnavailable   = errors.New("session store unavailable")
)
