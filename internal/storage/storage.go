// Package storage defines the pricer's durable read and write paths.
package storage

import (
	"context"
	"errors"

	"dexPricing/internal/model"
)

// ErrNotFound is returned when no stored record matches.
var ErrNotFound = errors.New("not found")

// PoolSource bootstraps the token graph.
type PoolSource interface {
	// ProtocolsCreatedBefore returns every pool created strictly before block.
	ProtocolsCreatedBefore(ctx context.Context, block uint64) (map[model.PoolID]model.Pair, error)
}

// PoolSink records pools as they are discovered.
type PoolSink interface {
	UpsertPools(ctx context.Context, pools []model.PoolInfo) error
}

// SubgraphStore persists derived subgraph edges for warm starts.
type SubgraphStore interface {
	// TryLoadPairBefore returns the newest edges saved for pair at a block
	// strictly before block, or ErrNotFound.
	TryLoadPairBefore(ctx context.Context, block uint64, pair model.Pair) (model.Pair, []model.SubGraphEdge, error)
	SavePairAt(ctx context.Context, block uint64, pair model.Pair, edges []model.SubGraphEdge) error
}

// QuoteSink receives finished blocks of quotes.
type QuoteSink interface {
	PutQuotes(ctx context.Context, quotes *model.DexQuotes) error
}

// MultiSink fans quotes out to several sinks in order, stopping at the first error.
type MultiSink []QuoteSink

func (m MultiSink) PutQuotes(ctx context.Context, quotes *model.DexQuotes) error {
	for _, sink := range m {
		if err := sink.PutQuotes(ctx, quotes); err != nil {
			return err
		}
	}
	return nil
}
