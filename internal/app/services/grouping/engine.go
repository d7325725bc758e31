// Package grouping partitions independently issued certificates into person
// clusters. Two certificates belong to the same holder when they agree on the
// date of birth and share at least one normalized name token; a combiner
// certificate whose name carries tokens of two otherwise-disjoint identities
// bridges their clusters into one person.
package grouping

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/domain/person"
	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/internal/app/storage"
	"github.com/certware/walletcore/pkg/logger"
)

// ErrTooManyPersons is returned when accepting a certificate would create a
// person beyond the configured ceiling. Certificates for already-known
// identities keep being accepted.
var ErrTooManyPersons = errors.New("maximum number of persons reached")

// WalletInfoProvider evaluates externally supplied admission/booster data for
// a freshly grouped person.
type WalletInfoProvider interface {
	Evaluate(ctx context.Context, p person.Person) (person.WalletInfo, error)
}

// Engine owns the certificate set mutations and the derived person grouping.
// All mutating operations regroup wholesale: removing one bridging
// certificate can split a person, so incremental patching is never safe.
type Engine struct {
	certs      storage.CertificateStore
	persons    storage.PersonStore
	bin        storage.RecycleBinStore
	walletInfo WalletInfoProvider
	maxPersons int
	log        *logger.Logger

	// mu serializes certificate set mutations so no caller observes a
	// partially regrouped state.
	mu sync.Mutex

	onChange func()
}

// New constructs the grouping engine. maxPersons <= 0 disables the ceiling.
func New(certs storage.CertificateStore, persons storage.PersonStore, bin storage.RecycleBinStore, maxPersons int, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("grouping")
	}
	return &Engine{
		certs:      certs,
		persons:    persons,
		bin:        bin,
		maxPersons: maxPersons,
		log:        log,
	}
}

// WithWalletInfoProvider attaches the external wallet info evaluator.
func (e *Engine) WithWalletInfoProvider(p WalletInfoProvider) {
	e.mu.Lock()
	e.walletInfo = p
	e.mu.Unlock()
}

// OnChange registers a callback fired after every persisted regroup. The
// validity engine uses it to re-arm its timer.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

// AddCertificate inserts an explicitly scanned certificate. The person
// ceiling applies: a certificate that would create a person beyond the
// maximum is rejected with ErrTooManyPersons and nothing is persisted.
func (e *Engine) AddCertificate(ctx context.Context, cert certificate.Certificate) ([]person.Person, error) {
	return e.add(ctx, cert, true)
}

// InsertIssued inserts a system-issued test certificate tied to an already
// accepted test. The ceiling is not enforced here; it binds only explicit
// adds of new identities.
func (e *Engine) InsertIssued(ctx context.Context, cert certificate.Certificate) ([]person.Person, error) {
	return e.add(ctx, cert, false)
}

func (e *Engine) add(ctx context.Context, cert certificate.Certificate, enforceLimit bool) ([]person.Person, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.certs.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}

	if enforceLimit && e.maxPersons > 0 {
		before := len(Regroup(existing))
		after := len(Regroup(append(append([]certificate.Certificate(nil), existing...), cert)))
		if after > before && after > e.maxPersons {
			return nil, ErrTooManyPersons
		}
	}

	cert.IsNewlyAdded = true
	if _, err := e.certs.SaveCertificate(ctx, cert); err != nil {
		return nil, err
	}
	return e.regroupLocked(ctx)
}

// RemoveCertificate soft-deletes a certificate into the recycle bin and
// regroups. Removing a bridge may split one person into several.
func (e *Engine) RemoveCertificate(ctx context.Context, uci string) ([]person.Person, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cert, err := e.certs.GetCertificate(ctx, uci)
	if err != nil {
		return nil, err
	}
	if e.bin != nil {
		if err := e.bin.MoveToBin(ctx, storage.RecycledCertificate{Certificate: cert, DeletedAt: time.Now().UTC()}); err != nil {
			return nil, err
		}
	}
	if err := e.certs.DeleteCertificate(ctx, uci); err != nil {
		return nil, err
	}
	return e.regroupLocked(ctx)
}

// RestoreCertificate brings a soft-deleted certificate back from the bin.
func (e *Engine) RestoreCertificate(ctx context.Context, uci string) ([]person.Person, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bin == nil {
		return nil, errors.New("recycle bin not configured")
	}
	item, err := e.bin.RestoreFromBin(ctx, uci)
	if err != nil {
		return nil, err
	}
	if _, err := e.certs.SaveCertificate(ctx, item.Certificate); err != nil {
		return nil, err
	}
	return e.regroupLocked(ctx)
}

// UpdateCertificate persists mutated flags (trust state, seen markers) and
// refreshes the cached grouping without changing the partition.
func (e *Engine) UpdateCertificate(ctx context.Context, cert certificate.Certificate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.certs.SaveCertificate(ctx, cert); err != nil {
		return err
	}
	_, err := e.regroupLocked(ctx)
	return err
}

// Persons returns the cached grouping.
func (e *Engine) Persons(ctx context.Context) ([]person.Person, error) {
	return e.persons.ListPersons(ctx)
}

// RegroupAll recomputes the grouping from the full certificate set.
func (e *Engine) RegroupAll(ctx context.Context) ([]person.Person, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regroupLocked(ctx)
}

func (e *Engine) regroupLocked(ctx context.Context) ([]person.Person, error) {
	certs, err := e.certs.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}

	persons := Regroup(certs)

	if e.walletInfo != nil {
		for i := range persons {
			info, err := e.walletInfo.Evaluate(ctx, persons[i])
			if err != nil {
				e.log.WithError(err).
					WithField("person", persons[i].ID).
					Warn("wallet info evaluation failed")
				continue
			}
			persons[i].WalletInfo = &info
		}
	}

	if err := e.persons.ReplacePersons(ctx, persons); err != nil {
		return nil, err
	}
	metrics.RecordRegroup(len(persons))

	if e.onChange != nil {
		e.onChange()
	}
	return persons, nil
}

// BlockedUCIs collects the policy block-list across all persons' wallet info.
func (e *Engine) BlockedUCIs(ctx context.Context) (map[string]struct{}, error) {
	persons, err := e.persons.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]struct{})
	for _, p := range persons {
		if p.WalletInfo == nil {
			continue
		}
		for _, uci := range p.WalletInfo.BlockedUCIs {
			blocked[uci] = struct{}{}
		}
	}
	return blocked, nil
}

// Regroup partitions a certificate set into persons. It is a pure
// computation: idempotent, independent of insertion order, and deterministic
// in its output ordering.
func Regroup(certs []certificate.Certificate) []person.Person {
	// Dedupe by UCI and fix the working order so union-find results do not
	// depend on input order.
	byUCI := make(map[string]certificate.Certificate, len(certs))
	for _, c := range certs {
		if _, seen := byUCI[c.UCI]; !seen {
			byUCI[c.UCI] = c
		}
	}
	ordered := make([]certificate.Certificate, 0, len(byUCI))
	for _, c := range byUCI {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].UCI < ordered[j].UCI })

	uf := newUnionFind(len(ordered))

	// Certificates only ever match within the same date of birth, so edges
	// are built per DOB bucket.
	buckets := make(map[string][]int)
	for i, c := range ordered {
		key := c.DOBKey()
		buckets[key] = append(buckets[key], i)
	}
	for _, idxs := range buckets {
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				if certificate.TokensOverlap(ordered[idxs[a]].Name, ordered[idxs[b]].Name) {
					uf.union(idxs[a], idxs[b])
				}
			}
		}
	}

	components := make(map[int][]certificate.Certificate)
	for i := range ordered {
		root := uf.find(i)
		components[root] = append(components[root], ordered[i])
	}

	persons := make([]person.Person, 0, len(components))
	for _, members := range components {
		sort.Slice(members, func(i, j int) bool {
			if !members[i].IssuedAt.Equal(members[j].IssuedAt) {
				return members[i].IssuedAt.After(members[j].IssuedAt)
			}
			return members[i].UCI < members[j].UCI
		})
		key := groupKey(members)
		persons = append(persons, person.Person{
			ID:           deriveID(key),
			GroupKey:     key,
			Certificates: members,
		})
	}

	sort.Slice(persons, func(i, j int) bool { return persons[i].GroupKey < persons[j].GroupKey })
	if len(persons) > 0 {
		persons[0].Preferred = true
	}
	return persons
}

// groupKey is the primary identity key of a cluster: the date of birth plus
// the lexicographically smallest name token held by any member.
func groupKey(members []certificate.Certificate) string {
	dob := ""
	minToken := ""
	for _, c := range members {
		if dob == "" || c.DOBKey() < dob {
			dob = c.DOBKey()
		}
		for _, t := range c.Name.SortedTokens() {
			if minToken == "" || t < minToken {
				minToken = t
			}
			break
		}
	}
	return dob + "|" + minToken
}

// deriveID hashes the group key so person IDs are stable across regroups of
// the same identity.
func deriveID(key string) string {
	sum := sha256.Sum256([]byte(strings.ToUpper(key)))
	return hex.EncodeToString(sum[:6])
}

// unionFind is a plain weighted union-find over certificate indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.rank[ra] < u.rank[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if u.rank[ra] == u.rank[rb] {
		u.rank[ra]++
	}
}
