package revocation

import (
	"context"

	"github.com/certware/walletcore/internal/app/transport"
)

// TransportProvider adapts the backend transport client to the ChunkProvider
// contract.
type TransportProvider struct {
	Client *transport.Client
}

var _ ChunkProvider = TransportProvider{}

func (p TransportProvider) Chunk(ctx context.Context, keySpace, prefix string) ([]string, error) {
	resp, err := p.Client.FetchRevocationChunk(ctx, keySpace, prefix)
	if err != nil {
		return nil, err
	}
	return resp.Hashes, nil
}
