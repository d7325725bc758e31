package issuance

import "time"

// TestType identifies the laboratory test behind a registration token.
type TestType string

const (
	TestTypePCR     TestType = "pcr"
	TestTypeAntigen TestType = "antigen"
)

// State tracks how far an issuance request has progressed. Requests survive
// restarts, so every state must be resumable from persisted fields alone.
type State string

const (
	StateCreated             State = "created"
	StateKeyGenerated        State = "keyGenerated"
	StatePublicKeyRegistered State = "publicKeyRegistered"
	StatePolling             State = "polling"
	StateAssembled           State = "assembled"
	StateFailed              State = "failed"
)

// Request is one registration-token to signed-certificate issuance attempt.
type Request struct {
	ID           string
	Token        string
	TestType     TestType
	LabID        string
	RegisteredAt time.Time

	// PEM-encoded RSA private key, generated once per request. The public
	// half is derived from it when registering with the server.
	PrivateKeyPEM       string
	PublicKeyRegistered bool

	// Base64 payloads returned by the server once the certificate is ready.
	EncryptedDataKey string
	EncryptedPayload string

	State     State
	Failed    bool
	Loading   bool
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the request reached an end state. Failed requests
// stay in the queue so the holder can retry explicitly.
func (r Request) Terminal() bool {
	return r.State == StateAssembled
}
