package storage

import (
	"context"
	"sort"
	"sync"

	"dexPricing/internal/model"
)

type savedEdges struct {
	block uint64
	pair  model.Pair
	edges []model.SubGraphEdge
}

// Memory keeps everything in process. It backs tests and runs without a database.
type Memory struct {
	mu        sync.RWMutex
	pools     map[model.PoolID]model.PoolInfo
	subgraphs map[model.Pair][]savedEdges
	quotes    []*model.DexQuotes
}

func NewMemory() *Memory {
	return &Memory{
		pools:     make(map[model.PoolID]model.PoolInfo),
		subgraphs: make(map[model.Pair][]savedEdges),
	}
}

func (m *Memory) UpsertPools(_ context.Context, pools []model.PoolInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range pools {
		m.pools[pool.ID()] = pool
	}
	return nil
}

func (m *Memory) ProtocolsCreatedBefore(_ context.Context, block uint64) (map[model.PoolID]model.Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.PoolID]model.Pair)
	for id, pool := range m.pools {
		if pool.CreatedBlock < block {
			out[id] = pool.Pair()
		}
	}
	return out, nil
}

func (m *Memory) TryLoadPairBefore(_ context.Context, block uint64, pair model.Pair) (model.Pair, []model.SubGraphEdge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	saved := m.subgraphs[pair.Ordered()]
	// saved is sorted by block; find the last entry below block
	idx := sort.Search(len(saved), func(i int) bool { return saved[i].block >= block })
	if idx == 0 {
		return model.Pair{}, nil, ErrNotFound
	}
	hit := saved[idx-1]
	return hit.pair, append([]model.SubGraphEdge(nil), hit.edges...), nil
}

func (m *Memory) SavePairAt(_ context.Context, block uint64, pair model.Pair, edges []model.SubGraphEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pair.Ordered()
	entry := savedEdges{block: block, pair: pair, edges: append([]model.SubGraphEdge(nil), edges...)}
	saved := m.subgraphs[key]
	idx := sort.Search(len(saved), func(i int) bool { return saved[i].block >= block })
	if idx < len(saved) && saved[idx].block == block {
		saved[idx] = entry
		return nil
	}
	saved = append(saved, savedEdges{})
	copy(saved[idx+1:], saved[idx:])
	saved[idx] = entry
	m.subgraphs[key] = saved
	return nil
}

func (m *Memory) PutQuotes(_ context.Context, quotes *model.DexQuotes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, quotes)
	return nil
}

// Quotes returns every block received so far, in arrival order.
func (m *Memory) Quotes() []*model.DexQuotes {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*model.DexQuotes(nil), m.quotes...)
}
