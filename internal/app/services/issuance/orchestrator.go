// Package issuance drives the registration-token to signed-certificate
// protocol: local key generation, public key registration, result polling and
// decrypt-and-assemble of the delivered payload.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	domain "github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/domain/person"
	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/certware/walletcore/internal/app/transport"
	"github.com/certware/walletcore/pkg/logger"
)

var (
	// ErrRequestInFlight means another step for the same request is running.
	ErrRequestInFlight = errors.New("issuance request already in flight")

	// ErrUnsupportedByLab means the issuing lab cannot produce a
	// certificate for this test. Terminal before any network call.
	ErrUnsupportedByLab = errors.New("lab does not support certificate issuance")

	// ErrRetryBudgetExhausted means the server kept answering pending
	// beyond the poll budget. The request stays queued for an explicit
	// retry.
	ErrRetryBudgetExhausted = errors.New("certificate still pending after retry budget")
)

// CertificateClient is the backend surface the orchestrator needs.
type CertificateClient interface {
	RegisterPublicKey(ctx context.Context, token, publicKeyPEM string, isFake bool) error
	FetchCertificate(ctx context.Context, token string, isFake bool) (transport.EncryptedCertificate, error)
}

// Inserter hands assembled certificates to the grouping engine.
type Inserter interface {
	InsertIssued(ctx context.Context, cert certificate.Certificate) ([]person.Person, error)
}

// Config bounds the polling behaviour.
type Config struct {
	RetryEnabled bool
	RetryBudget  int
	PollDelay    time.Duration
}

// Orchestrator runs the issuance state machine. Distinct requests proceed in
// parallel; each request has at most one in-flight step at a time.
type Orchestrator struct {
	store    storage.IssuanceStore
	client   CertificateClient
	inserter Inserter
	cfg      Config
	log      *logger.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New constructs the orchestrator.
func New(store storage.IssuanceStore, client CertificateClient, inserter Inserter, cfg Config, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewDefault("issuance")
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 10 * time.Second
	}
	return &Orchestrator{
		store:    store,
		client:   client,
		inserter: inserter,
		cfg:      cfg,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// RegisterRequest creates a new issuance request for a registration token.
func (o *Orchestrator) RegisterRequest(ctx context.Context, token string, testType domain.TestType, labID string) (domain.Request, error) {
	req := domain.Request{
		ID:           uuid.NewString(),
		Token:        token,
		TestType:     testType,
		LabID:        labID,
		RegisteredAt: time.Now().UTC(),
		State:        domain.StateCreated,
	}
	return o.store.CreateRequest(ctx, req)
}

// Requests lists all queued issuance requests.
func (o *Orchestrator) Requests(ctx context.Context) ([]domain.Request, error) {
	return o.store.ListRequests(ctx)
}

// Cancel removes a request from the queue. An in-flight step for the request
// is not interrupted; its completion handler notices the removal and
// discards the result.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	return o.store.DeleteRequest(ctx, id)
}

// Retry clears the failed marker and drives the request again. New user
// action is the only path back from a failed state.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	req.Failed = false
	req.LastError = ""
	if req.State == domain.StateFailed {
		req.State = domain.StateCreated
		if req.PrivateKeyPEM != "" {
			req.State = domain.StateKeyGenerated
		}
		if req.PublicKeyRegistered {
			req.State = domain.StatePublicKeyRegistered
		}
	}
	if _, err := o.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	return o.Run(ctx, id)
}

// Run drives one request as far as it can go in a single pass: key
// generation, public key registration, polling, assembly. Every sub-step is
// idempotent so a pass can resume a request restored from disk.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	if !o.acquire(id) {
		return ErrRequestInFlight
	}
	defer o.release(id)

	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	if req.Terminal() {
		return nil
	}
	if req.Failed {
		return fmt.Errorf("request %s is failed; retry explicitly", id)
	}

	req.Loading = true
	if req, err = o.store.UpdateRequest(ctx, req); err != nil {
		return err
	}
	defer o.clearLoading(ctx, id)

	if req, err = o.ensureKey(ctx, req); err != nil {
		return err
	}
	if req, err = o.ensureRegistered(ctx, req); err != nil {
		return err
	}
	encrypted, err := o.poll(ctx, &req)
	if err != nil {
		return err
	}
	return o.assemble(ctx, req, encrypted)
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) clearLoading(ctx context.Context, id string) {
	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		// Removed while the step was in flight; nothing to clear.
		return
	}
	if req.Loading {
		req.Loading = false
		if _, err := o.store.UpdateRequest(ctx, req); err != nil {
			o.log.WithError(err).WithField("request", id).Warn("clear loading flag failed")
		}
	}
}

// ensureKey generates the RSA key pair exactly once per request. A request
// restored after a restart reuses its persisted key.
func (o *Orchestrator) ensureKey(ctx context.Context, req domain.Request) (domain.Request, error) {
	if req.PrivateKeyPEM != "" {
		return req, nil
	}

	pem, err := GenerateKeyPEM()
	metrics.RecordIssuanceStep("key_generation", err)
	if err != nil {
		return req, o.fail(ctx, req, err)
	}

	req.PrivateKeyPEM = pem
	req.State = domain.StateKeyGenerated
	return o.store.UpdateRequest(ctx, req)
}

// ensureRegistered submits the public key bound to the registration token.
// A key-already-registered answer counts as success; any other error is
// terminal for this attempt.
func (o *Orchestrator) ensureRegistered(ctx context.Context, req domain.Request) (domain.Request, error) {
	if req.PublicKeyRegistered {
		return req, nil
	}

	pubPEM, err := PublicKeyPEM(req.PrivateKeyPEM)
	if err != nil {
		return req, o.fail(ctx, req, err)
	}

	err = o.client.RegisterPublicKey(ctx, req.Token, pubPEM, false)
	if err != nil && !errors.Is(err, transport.ErrKeyAlreadyRegistered) {
		metrics.RecordIssuanceStep("public_key_registration", err)
		return req, o.fail(ctx, req, err)
	}
	metrics.RecordIssuanceStep("public_key_registration", nil)

	req.PublicKeyRegistered = true
	req.State = domain.StatePublicKeyRegistered
	return o.store.UpdateRequest(ctx, req)
}

// poll requests the certificate payload, retrying on pending answers within
// the configured budget.
func (o *Orchestrator) poll(ctx context.Context, req *domain.Request) (transport.EncryptedCertificate, error) {
	// PCR results can arrive from labs that never joined the certificate
	// scheme; without a lab identifier there is nothing to poll.
	if req.TestType == domain.TestTypePCR && req.LabID == "" {
		return transport.EncryptedCertificate{}, o.fail(ctx, *req, ErrUnsupportedByLab)
	}

	req.State = domain.StatePolling
	updated, err := o.store.UpdateRequest(ctx, *req)
	if err != nil {
		return transport.EncryptedCertificate{}, err
	}
	*req = updated

	var lastErr error
	for attempt := 1; attempt <= o.cfg.RetryBudget; attempt++ {
		encrypted, err := o.client.FetchCertificate(ctx, req.Token, false)
		metrics.RecordIssuanceStep("fetch_certificate", err)
		if err == nil {
			return encrypted, nil
		}
		if !errors.Is(err, transport.ErrPending) {
			return transport.EncryptedCertificate{}, o.fail(ctx, *req, err)
		}
		lastErr = err
		if !o.cfg.RetryEnabled || attempt == o.cfg.RetryBudget {
			break
		}

		select {
		case <-ctx.Done():
			return transport.EncryptedCertificate{}, ctx.Err()
		case <-time.After(o.cfg.PollDelay):
		}
	}

	// Budget exhausted: surface the pending error but keep the request
	// queued for a future externally triggered retry.
	err = fmt.Errorf("%w: %v", ErrRetryBudgetExhausted, lastErr)
	return transport.EncryptedCertificate{}, o.fail(ctx, *req, err)
}

// assemble decrypts, parses and inserts the delivered certificate. Any
// failure here is permanent: the payload will not improve on retry.
func (o *Orchestrator) assemble(ctx context.Context, req domain.Request, encrypted transport.EncryptedCertificate) error {
	req.EncryptedDataKey = encrypted.DataEncryptionKey
	req.EncryptedPayload = encrypted.EncryptedPayload
	updated, err := o.store.UpdateRequest(ctx, req)
	if err != nil {
		if _, getErr := o.store.GetRequest(ctx, req.ID); getErr != nil {
			// Request was removed while the fetch was in flight; drop
			// the result instead of resurrecting the request.
			o.log.WithField("request", req.ID).Info("request removed mid-flight; discarding payload")
			return nil
		}
		// The request still exists: a store failure must not swallow a
		// delivered certificate. Leave the request queued for a retry.
		return fmt.Errorf("persist encrypted payload: %w", err)
	}
	req = updated

	dek, err := DecryptDataKey(req.PrivateKeyPEM, req.EncryptedDataKey)
	metrics.RecordIssuanceStep("dek_decryption", err)
	if err != nil {
		return o.fail(ctx, req, err)
	}

	raw, err := DecryptPayload(dek, req.EncryptedPayload)
	metrics.RecordIssuanceStep("payload_decryption", err)
	if err != nil {
		return o.fail(ctx, req, err)
	}

	cert, err := ParseCertificate(raw)
	metrics.RecordIssuanceStep("payload_parsing", err)
	if err != nil {
		return o.fail(ctx, req, err)
	}
	cert.Entry = certificate.EntryTest

	if _, err := o.inserter.InsertIssued(ctx, cert); err != nil {
		return o.fail(ctx, req, err)
	}

	req.State = domain.StateAssembled
	req.Failed = false
	req.LastError = ""
	if _, err := o.store.UpdateRequest(ctx, req); err != nil {
		return err
	}

	o.log.WithField("request", req.ID).
		WithField("uci", cert.UCI).
		Info("certificate assembled and inserted")

	// Terminal success destroys the request; the certificate is the only
	// artifact that outlives it.
	return o.store.DeleteRequest(ctx, req.ID)
}

// fail parks the request in a stable, inspectable failed state.
func (o *Orchestrator) fail(ctx context.Context, req domain.Request, cause error) error {
	req.Failed = true
	req.Loading = false
	req.State = domain.StateFailed
	req.LastError = cause.Error()
	if _, err := o.store.UpdateRequest(ctx, req); err != nil {
		// Removed mid-flight; the cause still goes to the caller.
		o.log.WithField("request", req.ID).Debug("request gone while marking failed")
	}
	return cause
}
