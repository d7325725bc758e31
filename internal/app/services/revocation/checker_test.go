package revocation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/certware/walletcore/internal/app/domain/certificate"
)

type stubProvider struct {
	chunks map[string][]string // keyed space+":"+prefix
	err    error
	calls  int
}

func (p *stubProvider) Chunk(_ context.Context, keySpace, prefix string) ([]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.chunks[keySpace+":"+prefix], nil
}

func hashCert(sig, uci, country string) certificate.Certificate {
	return certificate.Certificate{
		UCI:    "uci-1",
		Hashes: certificate.RevocationHashes{Signature: sig, UCI: uci, CountryUCI: country},
	}
}

func TestChecker_MatchInChunk(t *testing.T) {
	provider := &stubProvider{chunks: map[string][]string{
		"sig:00": {"0000aaaa"},
	}}
	checker := New(provider, nil, nil)

	if !checker.IsRevoked(context.Background(), hashCert("0000aaaa", "1111bbbb", "1111cccc")) {
		t.Fatalf("expected revoked: signature hash is in its chunk")
	}
}

func TestChecker_NoMatchAcrossSpaces(t *testing.T) {
	// The chunk under the signature space contains a hash, but none of the
	// certificate's hashes start with that prefix or equal it.
	provider := &stubProvider{chunks: map[string][]string{
		"sig:00": {"0000aaaa"},
	}}
	checker := New(provider, nil, nil)

	if checker.IsRevoked(context.Background(), hashCert("1111aaaa", "1111bbbb", "1111cccc")) {
		t.Fatalf("expected not revoked: no hash appears in its chunk")
	}
}

func TestChecker_PrefixOverlapIsNotMembership(t *testing.T) {
	// Sharing the chunk prefix is not enough; the full hash must be present.
	provider := &stubProvider{chunks: map[string][]string{
		"sig:00": {"0000aaaa"},
	}}
	checker := New(provider, nil, nil)

	if checker.IsRevoked(context.Background(), hashCert("0000ffff", "1111bbbb", "1111cccc")) {
		t.Fatalf("expected not revoked: prefix match only")
	}
}

func TestChecker_SecondSpaceMatches(t *testing.T) {
	provider := &stubProvider{chunks: map[string][]string{
		"uci:ab": {"abcdef012345"},
	}}
	checker := New(provider, nil, nil)

	if !checker.IsRevoked(context.Background(), hashCert("1111aaaa", "ABCDEF012345", "1111cccc")) {
		t.Fatalf("expected revoked via UCI space, case-insensitive")
	}
}

func TestChecker_FetchErrorFailsOpen(t *testing.T) {
	provider := &stubProvider{err: errors.New("backend down")}
	checker := New(provider, nil, nil)

	if checker.IsRevoked(context.Background(), hashCert("0000aaaa", "1111bbbb", "2222cccc")) {
		t.Fatalf("unreachable revocation service must never revoke")
	}
	if provider.calls != 3 {
		t.Fatalf("expected one fetch attempt per key-space, got %d", provider.calls)
	}
}

func TestChecker_ShortHashIgnored(t *testing.T) {
	provider := &stubProvider{}
	checker := New(provider, nil, nil)

	if checker.IsRevoked(context.Background(), hashCert("0", "", "")) {
		t.Fatalf("hashes shorter than the prefix cannot match")
	}
	if provider.calls != 0 {
		t.Fatalf("expected no fetches for unusable hashes, got %d", provider.calls)
	}
}

func TestChecker_CacheAvoidsRefetch(t *testing.T) {
	provider := &stubProvider{chunks: map[string][]string{
		"sig:00": {"0000aaaa"},
	}}
	checker := New(provider, NewMemoryCache(time.Minute), nil)

	cert := hashCert("0000aaaa", "", "")
	for i := 0; i < 3; i++ {
		if !checker.IsRevoked(context.Background(), cert) {
			t.Fatalf("expected revoked on attempt %d", i)
		}
	}
	if provider.calls != 1 {
		t.Fatalf("expected a single remote fetch, got %d", provider.calls)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cache := NewMemoryCache(time.Millisecond)
	cache.Set("sig", "00", []string{"0000aaaa"})

	if _, ok := cache.Get("sig", "00"); !ok {
		t.Fatalf("expected fresh entry to be served")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := cache.Get("sig", "00"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryCache_KeysAreScoped(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	cache.Set("sig", "00", []string{"a"})

	if _, ok := cache.Get("uci", "00"); ok {
		t.Fatalf("chunk cached under one space must not serve another")
	}
	if _, ok := cache.Get("sig", "01"); ok {
		t.Fatalf("chunk cached under one prefix must not serve another")
	}
}

func TestChecker_LowercasesBeforePrefixing(t *testing.T) {
	provider := &stubProvider{chunks: map[string][]string{
		"sig:ab": {"ab12cd34"},
	}}
	checker := New(provider, nil, nil)

	if !checker.IsRevoked(context.Background(), hashCert(strings.ToUpper("ab12cd34"), "", "")) {
		t.Fatalf("expected uppercase input to resolve the lowercase chunk")
	}
}
