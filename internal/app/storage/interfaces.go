package storage

import (
	"context"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/domain/coronatest"
	"github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/domain/person"
)

// CertificateStore persists the global certificate set. The stores work on
// whole records; grouping is always recomputed from the full set.
type CertificateStore interface {
	SaveCertificate(ctx context.Context, cert certificate.Certificate) (certificate.Certificate, error)
	GetCertificate(ctx context.Context, uci string) (certificate.Certificate, error)
	ListCertificates(ctx context.Context) ([]certificate.Certificate, error)
	DeleteCertificate(ctx context.Context, uci string) error
}

// PersonStore caches the last computed grouping. It exists for UI stability
// between regroups, not as ground truth.
type PersonStore interface {
	ReplacePersons(ctx context.Context, persons []person.Person) error
	ListPersons(ctx context.Context) ([]person.Person, error)
}

// IssuanceStore persists certificate issuance requests so retries survive
// restarts.
type IssuanceStore interface {
	CreateRequest(ctx context.Context, req issuance.Request) (issuance.Request, error)
	UpdateRequest(ctx context.Context, req issuance.Request) (issuance.Request, error)
	GetRequest(ctx context.Context, id string) (issuance.Request, error)
	GetRequestByToken(ctx context.Context, token string) (issuance.Request, error)
	ListRequests(ctx context.Context) ([]issuance.Request, error)
	DeleteRequest(ctx context.Context, id string) error
}

// TestStore persists registered corona tests.
type TestStore interface {
	CreateTest(ctx context.Context, t coronatest.Test) (coronatest.Test, error)
	UpdateTest(ctx context.Context, t coronatest.Test) (coronatest.Test, error)
	GetTest(ctx context.Context, id string) (coronatest.Test, error)
	GetTestByToken(ctx context.Context, token string) (coronatest.Test, error)
	ListTests(ctx context.Context) ([]coronatest.Test, error)
	ListPendingTests(ctx context.Context) ([]coronatest.Test, error)
	DeleteTest(ctx context.Context, id string) error
}

// RecycledCertificate is a soft-deleted certificate waiting in the bin.
type RecycledCertificate struct {
	Certificate certificate.Certificate
	DeletedAt   time.Time
}

// RecycleBinStore holds soft-deleted certificates until restore or purge.
type RecycleBinStore interface {
	MoveToBin(ctx context.Context, item RecycledCertificate) error
	ListBin(ctx context.Context) ([]RecycledCertificate, error)
	RestoreFromBin(ctx context.Context, uci string) (RecycledCertificate, error)
	PurgeBin(ctx context.Context, olderThan time.Time) (int, error)
}
