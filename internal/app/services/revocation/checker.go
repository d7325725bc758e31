// Package revocation answers whether a certificate appears on the
// distributed revocation list. The list is sharded into chunks keyed by a
// coarse hash prefix; membership of the full hash is tested inside the
// fetched chunk.
package revocation

import (
	"context"
	"strings"

	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/pkg/logger"
)

// Key-spaces the revocation index is partitioned by. Each certificate has one
// lookup hash per space.
const (
	SpaceSignature  = "sig"
	SpaceUCI        = "uci"
	SpaceCountryUCI = "countryuci"
)

// prefixLen is the number of leading hex characters forming the coarse chunk
// key. It matches the server-side sharding.
const prefixLen = 2

// ChunkProvider fetches the hash set stored under one key-space and prefix.
type ChunkProvider interface {
	Chunk(ctx context.Context, keySpace, prefix string) ([]string, error)
}

// Checker tests certificates against the chunked revocation index.
type Checker struct {
	provider ChunkProvider
	cache    Cache
	log      *logger.Logger
}

// New constructs a checker. A nil cache disables caching, which is only
// sensible in tests.
func New(provider ChunkProvider, cache Cache, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.NewDefault("revocation")
	}
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	return &Checker{provider: provider, cache: cache, log: log}
}

// IsRevoked reports whether any of the certificate's three lookup hashes
// appears in its corresponding chunk. A failed or empty chunk fetch counts as
// no match: the check fails open so an unreachable revocation service never
// invalidates held certificates.
func (c *Checker) IsRevoked(ctx context.Context, cert certificate.Certificate) bool {
	coordinates := []struct {
		space string
		hash  string
	}{
		{SpaceSignature, cert.Hashes.Signature},
		{SpaceUCI, cert.Hashes.UCI},
		{SpaceCountryUCI, cert.Hashes.CountryUCI},
	}

	for _, coord := range coordinates {
		if c.matches(ctx, coord.space, coord.hash) {
			return true
		}
	}
	return false
}

func (c *Checker) matches(ctx context.Context, space, hash string) bool {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if len(hash) < prefixLen {
		return false
	}
	prefix := hash[:prefixLen]

	hashes, ok := c.cache.Get(space, prefix)
	if ok {
		metrics.RecordRevocationFetch("cache")
	} else {
		var err error
		hashes, err = c.provider.Chunk(ctx, space, prefix)
		if err != nil {
			metrics.RecordRevocationFetch("error")
			c.log.WithError(err).
				WithField("space", space).
				WithField("prefix", prefix).
				Warn("revocation chunk fetch failed; treating as not revoked")
			return false
		}
		metrics.RecordRevocationFetch("remote")
		c.cache.Set(space, prefix, hashes)
	}

	for _, h := range hashes {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}
