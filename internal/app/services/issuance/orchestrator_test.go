package issuance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	domain "github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/domain/person"
	"github.com/certware/walletcore/internal/app/storage/memory"
	"github.com/certware/walletcore/internal/app/transport"
)

const sampleDocument = `{
	"nam": {"fn": "Mustermann", "gn": "Erika", "fnt": "MUSTERMANN", "gnt": "ERIKA"},
	"dob": "1980-01-01",
	"iat": 1700000000,
	"exp": 1731536000,
	"t": [{"ci": "URN:UVCI:01:DE:TESTCERT1", "co": "DE"}]
}`

type fakeClient struct {
	registerErr   error
	registerCalls int
	lastPublicKey string

	fetch      func(publicKeyPEM string) (transport.EncryptedCertificate, error)
	fetchCalls int
}

func (c *fakeClient) RegisterPublicKey(_ context.Context, _ string, publicKeyPEM string, _ bool) error {
	c.registerCalls++
	c.lastPublicKey = publicKeyPEM
	return c.registerErr
}

func (c *fakeClient) FetchCertificate(_ context.Context, _ string, _ bool) (transport.EncryptedCertificate, error) {
	c.fetchCalls++
	if c.fetch == nil {
		return transport.EncryptedCertificate{}, transport.ErrPending
	}
	return c.fetch(c.lastPublicKey)
}

type recordingInserter struct {
	inserted []certificate.Certificate
	err      error
}

func (r *recordingInserter) InsertIssued(_ context.Context, cert certificate.Certificate) ([]person.Person, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.inserted = append(r.inserted, cert)
	return nil, nil
}

// encryptFixture wraps the sample document the way the backend does: fresh
// AES key, payload under AES-256-CBC, key under RSA-OAEP.
func encryptFixture(publicKeyPEM string) (transport.EncryptedCertificate, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return transport.EncryptedCertificate{}, err
	}
	payload, err := EncryptPayload(dek, []byte(sampleDocument))
	if err != nil {
		return transport.EncryptedCertificate{}, err
	}
	wrapped, err := WrapDataKey(publicKeyPEM, dek)
	if err != nil {
		return transport.EncryptedCertificate{}, err
	}
	return transport.EncryptedCertificate{DataEncryptionKey: wrapped, EncryptedPayload: payload}, nil
}

func newOrchestrator(store *memory.Store, client *fakeClient, inserter *recordingInserter) *Orchestrator {
	return New(store, client, inserter, Config{
		RetryEnabled: true,
		RetryBudget:  3,
		PollDelay:    time.Millisecond,
	}, nil)
}

func TestOrchestrator_HappyPath(t *testing.T) {
	store := memory.New()
	client := &fakeClient{fetch: encryptFixture}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if req.State != domain.StateCreated {
		t.Fatalf("expected created state, got %s", req.State)
	}

	if err := orch.Run(ctx, req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(inserter.inserted) != 1 {
		t.Fatalf("expected one inserted certificate, got %d", len(inserter.inserted))
	}
	cert := inserter.inserted[0]
	if cert.UCI != "URN:UVCI:01:DE:TESTCERT1" {
		t.Fatalf("unexpected UCI %q", cert.UCI)
	}
	if cert.Entry != certificate.EntryTest {
		t.Fatalf("issued certificates are test entries, got %s", cert.Entry)
	}
	if cert.Name.StandardizedFamilyName != "MUSTERMANN" {
		t.Fatalf("unexpected standardized family name %q", cert.Name.StandardizedFamilyName)
	}
	if cert.Hashes.Signature == "" || cert.Hashes.UCI == "" || cert.Hashes.CountryUCI == "" {
		t.Fatalf("expected all revocation hashes derived, got %+v", cert.Hashes)
	}

	// Terminal success removes the request.
	if _, err := store.GetRequest(ctx, req.ID); err == nil {
		t.Fatalf("expected request to be deleted after assembly")
	}
}

func TestOrchestrator_KeyGeneratedOnce(t *testing.T) {
	store := memory.New()
	client := &fakeClient{registerErr: transport.ErrServer}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}

	if err := orch.Run(ctx, req.ID); !errors.Is(err, transport.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}

	failed, err := store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !failed.Failed || failed.State != domain.StateFailed {
		t.Fatalf("expected failed request, got state %s failed=%v", failed.State, failed.Failed)
	}
	if failed.PrivateKeyPEM == "" {
		t.Fatalf("key must be persisted even when registration fails")
	}
	firstPub := client.lastPublicKey

	// Retry succeeds and must reuse the persisted key, not generate again.
	client.registerErr = nil
	client.fetch = encryptFixture
	if err := orch.Retry(ctx, req.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if client.registerCalls != 2 {
		t.Fatalf("expected one registration per attempt, got %d", client.registerCalls)
	}
	if client.lastPublicKey != firstPub {
		t.Fatalf("retry must register the same public key")
	}
	if len(inserter.inserted) != 1 {
		t.Fatalf("expected assembled certificate after retry")
	}
}

func TestOrchestrator_AlreadyRegisteredIsSuccess(t *testing.T) {
	store := memory.New()
	client := &fakeClient{registerErr: transport.ErrKeyAlreadyRegistered, fetch: encryptFixture}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if err := orch.Run(ctx, req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inserter.inserted) != 1 {
		t.Fatalf("key-already-registered must count as success")
	}
}

func TestOrchestrator_PCRWithoutLabUnsupported(t *testing.T) {
	store := memory.New()
	client := &fakeClient{fetch: encryptFixture}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypePCR, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrUnsupportedByLab) {
		t.Fatalf("expected unsupported-by-lab, got %v", err)
	}
	if client.fetchCalls != 0 {
		t.Fatalf("unsupported requests must fail before any fetch, got %d calls", client.fetchCalls)
	}

	failed, _ := store.GetRequest(ctx, req.ID)
	if !failed.Failed {
		t.Fatalf("expected request parked as failed")
	}
}

func TestOrchestrator_PCRWithLabPolls(t *testing.T) {
	store := memory.New()
	client := &fakeClient{fetch: encryptFixture}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypePCR, "lab-7")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if err := orch.Run(ctx, req.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inserter.inserted) != 1 {
		t.Fatalf("expected assembled certificate")
	}
}

func TestOrchestrator_PendingExhaustsBudget(t *testing.T) {
	store := memory.New()
	client := &fakeClient{} // fetch nil: always pending
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected exhausted budget, got %v", err)
	}
	if client.fetchCalls != 3 {
		t.Fatalf("expected 3 poll attempts, got %d", client.fetchCalls)
	}

	// The request survives for an explicit retry.
	if _, err := store.GetRequest(ctx, req.ID); err != nil {
		t.Fatalf("pending request must stay queued: %v", err)
	}
}

func TestOrchestrator_RetryDoesNotReRegisterKey(t *testing.T) {
	store := memory.New()
	client := &fakeClient{} // fetch nil: always pending
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected exhausted budget, got %v", err)
	}
	if client.registerCalls != 1 {
		t.Fatalf("expected one public key registration, got %d", client.registerCalls)
	}

	stored, err := store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if !stored.PublicKeyRegistered {
		t.Fatalf("successful registration must be persisted")
	}

	// Retrying resumes at polling: the registered key is never submitted
	// again.
	if err := orch.Retry(ctx, req.ID); !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected exhausted budget on retry, got %v", err)
	}
	if client.registerCalls != 1 {
		t.Fatalf("retry must skip public key registration, got %d calls", client.registerCalls)
	}
	if client.fetchCalls != 6 {
		t.Fatalf("retry must resume polling, got %d fetches", client.fetchCalls)
	}
}

func TestOrchestrator_CorruptDataKeyFails(t *testing.T) {
	store := memory.New()
	client := &fakeClient{fetch: func(publicKeyPEM string) (transport.EncryptedCertificate, error) {
		fixture, err := encryptFixture(publicKeyPEM)
		if err != nil {
			return fixture, err
		}
		fixture.DataEncryptionKey = "not-base64!!"
		return fixture, nil
	}}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, _ := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrDEKDecoding) {
		t.Fatalf("expected DEK decoding error, got %v", err)
	}
}

func TestOrchestrator_UnparsablePayloadFails(t *testing.T) {
	store := memory.New()
	client := &fakeClient{fetch: func(publicKeyPEM string) (transport.EncryptedCertificate, error) {
		dek := make([]byte, 32)
		payload, err := EncryptPayload(dek, []byte("not a certificate"))
		if err != nil {
			return transport.EncryptedCertificate{}, err
		}
		wrapped, err := WrapDataKey(publicKeyPEM, dek)
		if err != nil {
			return transport.EncryptedCertificate{}, err
		}
		return transport.EncryptedCertificate{DataEncryptionKey: wrapped, EncryptedPayload: payload}, nil
	}}
	inserter := &recordingInserter{}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, _ := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrPayloadParsing) {
		t.Fatalf("expected payload parsing error, got %v", err)
	}
}

// payloadPersistFailingStore fails the update that carries the encrypted
// payload, leaving every other store operation intact.
type payloadPersistFailingStore struct {
	*memory.Store
}

func (s *payloadPersistFailingStore) UpdateRequest(ctx context.Context, req domain.Request) (domain.Request, error) {
	if req.EncryptedPayload != "" {
		return domain.Request{}, errors.New("disk full")
	}
	return s.Store.UpdateRequest(ctx, req)
}

func TestOrchestrator_StoreFailureDoesNotDiscardPayload(t *testing.T) {
	store := &payloadPersistFailingStore{Store: memory.New()}
	client := &fakeClient{fetch: encryptFixture}
	inserter := &recordingInserter{}
	orch := New(store, client, inserter, Config{
		RetryEnabled: true,
		RetryBudget:  3,
		PollDelay:    time.Millisecond,
	}, nil)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}

	if err := orch.Run(ctx, req.ID); err == nil {
		t.Fatalf("a store failure while persisting the payload must surface")
	}
	if len(inserter.inserted) != 0 {
		t.Fatalf("nothing may be inserted on a failed persist")
	}

	// The request is still queued, so a later retry can re-fetch.
	if _, err := store.GetRequest(ctx, req.ID); err != nil {
		t.Fatalf("request must survive a store failure: %v", err)
	}
}

func TestOrchestrator_CancelMidFlightDiscardsResult(t *testing.T) {
	store := memory.New()
	inserter := &recordingInserter{}

	var orch *Orchestrator
	var reqID string
	client := &fakeClient{}
	client.fetch = func(publicKeyPEM string) (transport.EncryptedCertificate, error) {
		// The holder cancels while the fetch is on the wire.
		if err := orch.Cancel(context.Background(), reqID); err != nil {
			return transport.EncryptedCertificate{}, fmt.Errorf("cancel: %v", err)
		}
		return encryptFixture(publicKeyPEM)
	}
	orch = newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	reqID = req.ID

	if err := orch.Run(ctx, req.ID); err != nil {
		t.Fatalf("run after cancel must not error: %v", err)
	}
	if len(inserter.inserted) != 0 {
		t.Fatalf("cancelled request must not insert a certificate")
	}
}

func TestOrchestrator_ConcurrentRunRejected(t *testing.T) {
	store := memory.New()
	inserter := &recordingInserter{}

	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeClient{}
	client.fetch = func(publicKeyPEM string) (transport.EncryptedCertificate, error) {
		close(started)
		<-release
		return encryptFixture(publicKeyPEM)
	}
	orch := newOrchestrator(store, client, inserter)
	ctx := context.Background()

	req, err := orch.RegisterRequest(ctx, "token-1", domain.TestTypeAntigen, "")
	if err != nil {
		t.Fatalf("register request: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx, req.ID) }()
	<-started

	if err := orch.Run(ctx, req.ID); !errors.Is(err, ErrRequestInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}
