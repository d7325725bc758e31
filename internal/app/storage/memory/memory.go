package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/domain/coronatest"
	"github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/domain/person"
	"github.com/certware/walletcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	certificates  map[string]certificate.Certificate
	persons       []person.Person
	requests      map[string]issuance.Request
	requestTokens map[string]string
	tests         map[string]coronatest.Test
	testTokens    map[string]string
	bin           map[string]storage.RecycledCertificate
}

var _ storage.CertificateStore = (*Store)(nil)
var _ storage.PersonStore = (*Store)(nil)
var _ storage.IssuanceStore = (*Store)(nil)
var _ storage.TestStore = (*Store)(nil)
var _ storage.RecycleBinStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:        1,
		certificates:  make(map[string]certificate.Certificate),
		requests:      make(map[string]issuance.Request),
		requestTokens: make(map[string]string),
		tests:         make(map[string]coronatest.Test),
		testTokens:    make(map[string]string),
		bin:           make(map[string]storage.RecycledCertificate),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// CertificateStore implementation ---------------------------------------------

func (s *Store) SaveCertificate(_ context.Context, cert certificate.Certificate) (certificate.Certificate, error) {
	if cert.UCI == "" {
		return certificate.Certificate{}, fmt.Errorf("certificate UCI required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.certificates[cert.UCI]; ok {
		cert.CreatedAt = existing.CreatedAt
	} else {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now

	s.certificates[cert.UCI] = cert
	return cert, nil
}

func (s *Store) GetCertificate(_ context.Context, uci string) (certificate.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cert, ok := s.certificates[uci]
	if !ok {
		return certificate.Certificate{}, fmt.Errorf("certificate %s not found", uci)
	}
	return cert, nil
}

func (s *Store) ListCertificates(_ context.Context) ([]certificate.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]certificate.Certificate, 0, len(s.certificates))
	for _, cert := range s.certificates {
		out = append(out, cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UCI < out[j].UCI })
	return out, nil
}

func (s *Store) DeleteCertificate(_ context.Context, uci string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.certificates[uci]; !ok {
		return fmt.Errorf("certificate %s not found", uci)
	}
	delete(s.certificates, uci)
	return nil
}

// PersonStore implementation --------------------------------------------------

func (s *Store) ReplacePersons(_ context.Context, persons []person.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.persons = clonePersons(persons)
	return nil
}

func (s *Store) ListPersons(_ context.Context) ([]person.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return clonePersons(s.persons), nil
}

// IssuanceStore implementation ------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req issuance.Request) (issuance.Request, error) {
	if req.Token == "" {
		return issuance.Request{}, fmt.Errorf("registration token required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requestTokens[req.Token]; exists {
		return issuance.Request{}, fmt.Errorf("issuance request for token already exists")
	}
	if req.ID == "" {
		req.ID = s.nextIDLocked()
	}

	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	s.requests[req.ID] = req
	s.requestTokens[req.Token] = req.ID
	return req, nil
}

func (s *Store) UpdateRequest(_ context.Context, req issuance.Request) (issuance.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.requests[req.ID]
	if !ok {
		return issuance.Request{}, fmt.Errorf("issuance request %s not found", req.ID)
	}

	req.CreatedAt = original.CreatedAt
	req.UpdatedAt = time.Now().UTC()

	s.requests[req.ID] = req
	return req, nil
}

func (s *Store) GetRequest(_ context.Context, id string) (issuance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return issuance.Request{}, fmt.Errorf("issuance request %s not found", id)
	}
	return req, nil
}

func (s *Store) GetRequestByToken(_ context.Context, token string) (issuance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.requestTokens[token]
	if !ok {
		return issuance.Request{}, fmt.Errorf("issuance request for token not found")
	}
	return s.requests[id], nil
}

func (s *Store) ListRequests(_ context.Context) ([]issuance.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]issuance.Request, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteRequest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return fmt.Errorf("issuance request %s not found", id)
	}
	delete(s.requests, id)
	delete(s.requestTokens, req.Token)
	return nil
}

// TestStore implementation ----------------------------------------------------

func (s *Store) CreateTest(_ context.Context, t coronatest.Test) (coronatest.Test, error) {
	if t.Token == "" {
		return coronatest.Test{}, fmt.Errorf("test token required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.testTokens[t.Token]; exists {
		return coronatest.Test{}, fmt.Errorf("test with token already registered")
	}
	if t.ID == "" {
		t.ID = s.nextIDLocked()
	}
	if t.Result == "" {
		t.Result = coronatest.ResultPending
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.tests[t.ID] = t
	s.testTokens[t.Token] = t.ID
	return t, nil
}

func (s *Store) UpdateTest(_ context.Context, t coronatest.Test) (coronatest.Test, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.tests[t.ID]
	if !ok {
		return coronatest.Test{}, fmt.Errorf("test %s not found", t.ID)
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	s.tests[t.ID] = t
	return t, nil
}

func (s *Store) GetTest(_ context.Context, id string) (coronatest.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tests[id]
	if !ok {
		return coronatest.Test{}, fmt.Errorf("test %s not found", id)
	}
	return t, nil
}

func (s *Store) GetTestByToken(_ context.Context, token string) (coronatest.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.testTokens[token]
	if !ok {
		return coronatest.Test{}, fmt.Errorf("test for token not found")
	}
	return s.tests[id], nil
}

func (s *Store) ListTests(_ context.Context) ([]coronatest.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]coronatest.Test, 0, len(s.tests))
	for _, t := range s.tests {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListPendingTests(_ context.Context) ([]coronatest.Test, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]coronatest.Test, 0)
	for _, t := range s.tests {
		if !t.Result.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteTest(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[id]
	if !ok {
		return fmt.Errorf("test %s not found", id)
	}
	delete(s.tests, id)
	delete(s.testTokens, t.Token)
	return nil
}

// RecycleBinStore implementation ----------------------------------------------

func (s *Store) MoveToBin(_ context.Context, item storage.RecycledCertificate) error {
	if item.Certificate.UCI == "" {
		return fmt.Errorf("certificate UCI required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.DeletedAt.IsZero() {
		item.DeletedAt = time.Now().UTC()
	}
	s.bin[item.Certificate.UCI] = item
	return nil
}

func (s *Store) ListBin(_ context.Context) ([]storage.RecycledCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.RecycledCertificate, 0, len(s.bin))
	for _, item := range s.bin {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Certificate.UCI < out[j].Certificate.UCI })
	return out, nil
}

func (s *Store) RestoreFromBin(_ context.Context, uci string) (storage.RecycledCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.bin[uci]
	if !ok {
		return storage.RecycledCertificate{}, fmt.Errorf("certificate %s not in recycle bin", uci)
	}
	delete(s.bin, uci)
	return item, nil
}

func (s *Store) PurgeBin(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for uci, item := range s.bin {
		if item.DeletedAt.Before(olderThan) {
			delete(s.bin, uci)
			purged++
		}
	}
	return purged, nil
}

func clonePersons(in []person.Person) []person.Person {
	out := make([]person.Person, len(in))
	for i, p := range in {
		cp := p
		cp.Certificates = append([]certificate.Certificate(nil), p.Certificates...)
		if p.WalletInfo != nil {
			wi := *p.WalletInfo
			wi.BlockedUCIs = append([]string(nil), p.WalletInfo.BlockedUCIs...)
			cp.WalletInfo = &wi
		}
		out[i] = cp
	}
	return out
}
