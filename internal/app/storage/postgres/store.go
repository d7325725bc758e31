// Package postgres implements the storage interfaces backed by PostgreSQL.
// Records are stored column-per-key with the full document as JSONB: the
// engine reads and writes whole records, never partial diffs.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/domain/coronatest"
	"github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/domain/person"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/google/uuid"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.CertificateStore = (*Store)(nil)
var _ storage.PersonStore = (*Store)(nil)
var _ storage.IssuanceStore = (*Store)(nil)
var _ storage.TestStore = (*Store)(nil)
var _ storage.RecycleBinStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the DDL the store expects. EnsureSchema applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS wallet_certificates (
	uci        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_persons (
	id       TEXT NOT NULL,
	position INT  NOT NULL,
	doc      JSONB NOT NULL,
	PRIMARY KEY (id)
);

CREATE TABLE IF NOT EXISTS wallet_issuance_requests (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_tests (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	pending    BOOLEAN NOT NULL,
	doc        JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_recycle_bin (
	uci        TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	deleted_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}

// --- CertificateStore --------------------------------------------------------

func (s *Store) SaveCertificate(ctx context.Context, cert certificate.Certificate) (certificate.Certificate, error) {
	if cert.UCI == "" {
		return certificate.Certificate{}, fmt.Errorf("certificate UCI required")
	}

	now := time.Now().UTC()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.UpdatedAt = now

	doc, err := json.Marshal(cert)
	if err != nil {
		return certificate.Certificate{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_certificates (uci, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uci) DO UPDATE SET doc = $2, updated_at = $4
	`, cert.UCI, doc, cert.CreatedAt, cert.UpdatedAt)
	if err != nil {
		return certificate.Certificate{}, err
	}
	return cert, nil
}

func (s *Store) GetCertificate(ctx context.Context, uci string) (certificate.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc FROM wallet_certificates WHERE uci = $1
	`, uci)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return certificate.Certificate{}, err
	}
	var cert certificate.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return certificate.Certificate{}, err
	}
	return cert, nil
}

func (s *Store) ListCertificates(ctx context.Context) ([]certificate.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM wallet_certificates ORDER BY uci
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []certificate.Certificate
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var cert certificate.Certificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCertificate(ctx context.Context, uci string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_certificates WHERE uci = $1
	`, uci)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- PersonStore -------------------------------------------------------------

func (s *Store) ReplacePersons(ctx context.Context, persons []person.Person) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM wallet_persons`); err != nil {
		return err
	}
	for i, p := range persons {
		doc, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_persons (id, position, doc) VALUES ($1, $2, $3)
		`, p.ID, i, doc); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPersons(ctx context.Context) ([]person.Person, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM wallet_persons ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []person.Person
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p person.Person
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- IssuanceStore -----------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, req issuance.Request) (issuance.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	doc, err := json.Marshal(req)
	if err != nil {
		return issuance.Request{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_issuance_requests (id, token, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.Token, doc, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return issuance.Request{}, err
	}
	return req, nil
}

func (s *Store) UpdateRequest(ctx context.Context, req issuance.Request) (issuance.Request, error) {
	req.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(req)
	if err != nil {
		return issuance.Request{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_issuance_requests SET doc = $2, updated_at = $3 WHERE id = $1
	`, req.ID, doc, req.UpdatedAt)
	if err != nil {
		return issuance.Request{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return issuance.Request{}, sql.ErrNoRows
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (issuance.Request, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx, `
		SELECT doc FROM wallet_issuance_requests WHERE id = $1
	`, id))
}

func (s *Store) GetRequestByToken(ctx context.Context, token string) (issuance.Request, error) {
	return s.scanRequest(s.db.QueryRowContext(ctx, `
		SELECT doc FROM wallet_issuance_requests WHERE token = $1
	`, token))
}

func (s *Store) scanRequest(row *sql.Row) (issuance.Request, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return issuance.Request{}, err
	}
	var req issuance.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return issuance.Request{}, err
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]issuance.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM wallet_issuance_requests ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []issuance.Request
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var req issuance.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRequest(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_issuance_requests WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- TestStore ---------------------------------------------------------------

func (s *Store) CreateTest(ctx context.Context, t coronatest.Test) (coronatest.Test, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Result == "" {
		t.Result = coronatest.ResultPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	doc, err := json.Marshal(t)
	if err != nil {
		return coronatest.Test{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_tests (id, token, pending, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.Token, !t.Result.Terminal(), doc, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return coronatest.Test{}, err
	}
	return t, nil
}

func (s *Store) UpdateTest(ctx context.Context, t coronatest.Test) (coronatest.Test, error) {
	t.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(t)
	if err != nil {
		return coronatest.Test{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_tests SET pending = $2, doc = $3, updated_at = $4 WHERE id = $1
	`, t.ID, !t.Result.Terminal(), doc, t.UpdatedAt)
	if err != nil {
		return coronatest.Test{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return coronatest.Test{}, sql.ErrNoRows
	}
	return t, nil
}

func (s *Store) GetTest(ctx context.Context, id string) (coronatest.Test, error) {
	return s.scanTest(s.db.QueryRowContext(ctx, `
		SELECT doc FROM wallet_tests WHERE id = $1
	`, id))
}

func (s *Store) GetTestByToken(ctx context.Context, token string) (coronatest.Test, error) {
	return s.scanTest(s.db.QueryRowContext(ctx, `
		SELECT doc FROM wallet_tests WHERE token = $1
	`, token))
}

func (s *Store) scanTest(row *sql.Row) (coronatest.Test, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return coronatest.Test{}, err
	}
	var t coronatest.Test
	if err := json.Unmarshal(raw, &t); err != nil {
		return coronatest.Test{}, err
	}
	return t, nil
}

func (s *Store) ListTests(ctx context.Context) ([]coronatest.Test, error) {
	return s.listTests(ctx, `SELECT doc FROM wallet_tests ORDER BY created_at`)
}

func (s *Store) ListPendingTests(ctx context.Context) ([]coronatest.Test, error) {
	return s.listTests(ctx, `SELECT doc FROM wallet_tests WHERE pending ORDER BY created_at`)
}

func (s *Store) listTests(ctx context.Context, query string) ([]coronatest.Test, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coronatest.Test
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t coronatest.Test
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTest(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_tests WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- RecycleBinStore ---------------------------------------------------------

func (s *Store) MoveToBin(ctx context.Context, item storage.RecycledCertificate) error {
	if item.DeletedAt.IsZero() {
		item.DeletedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(item.Certificate)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_recycle_bin (uci, doc, deleted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (uci) DO UPDATE SET doc = $2, deleted_at = $3
	`, item.Certificate.UCI, doc, item.DeletedAt)
	return err
}

func (s *Store) ListBin(ctx context.Context) ([]storage.RecycledCertificate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc, deleted_at FROM wallet_recycle_bin ORDER BY uci
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.RecycledCertificate
	for rows.Next() {
		var (
			raw       []byte
			deletedAt time.Time
		)
		if err := rows.Scan(&raw, &deletedAt); err != nil {
			return nil, err
		}
		var cert certificate.Certificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return nil, err
		}
		out = append(out, storage.RecycledCertificate{Certificate: cert, DeletedAt: deletedAt})
	}
	return out, rows.Err()
}

func (s *Store) RestoreFromBin(ctx context.Context, uci string) (storage.RecycledCertificate, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM wallet_recycle_bin WHERE uci = $1 RETURNING doc, deleted_at
	`, uci)

	var (
		raw       []byte
		deletedAt time.Time
	)
	if err := row.Scan(&raw, &deletedAt); err != nil {
		return storage.RecycledCertificate{}, err
	}
	var cert certificate.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return storage.RecycledCertificate{}, err
	}
	return storage.RecycledCertificate{Certificate: cert, DeletedAt: deletedAt}, nil
}

func (s *Store) PurgeBin(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM wallet_recycle_bin WHERE deleted_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
