package transport

import "errors"

// Typed transport and protocol errors. Callers branch on these with
// errors.Is; no other error classification crosses the package boundary.
var (
	// ErrPending means the server accepted the request but the resource is
	// not ready yet. Retryable within the caller's budget.
	ErrPending = errors.New("resource not ready yet")

	// ErrKeyAlreadyRegistered is returned when a public key was already
	// bound to the registration token. Callers treat it as success.
	ErrKeyAlreadyRegistered = errors.New("public key already registered")

	// ErrTokenNotFound covers unknown or invalid registration tokens.
	ErrTokenNotFound = errors.New("registration token not found")

	// ErrTokenAlreadyUsed covers QR codes that were redeemed before.
	ErrTokenAlreadyUsed = errors.New("registration token already used")

	// ErrUnsupportedByLab means the issuing lab does not produce
	// certificates for this test.
	ErrUnsupportedByLab = errors.New("certificate not supported by lab")

	// ErrServer covers 5xx responses.
	ErrServer = errors.New("server error")

	// ErrNoNetwork covers connectivity failures before any response.
	ErrNoNetwork = errors.New("no network connection")
)
