// Package graph holds the global token graph whose edges are pools.
package graph

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

type poolEntry struct {
	info        model.PoolInfo
	insertBlock uint64
}

// AllPairGraph is an append-only multigraph over tokens. Parallel pools for the
// same token pair are kept as separate edges.
//
// The pricer coordinator is the only writer; derivation tasks read concurrently.
type AllPairGraph struct {
	mu        sync.RWMutex
	pools     map[common.Address]poolEntry
	adjacency map[common.Address]map[common.Address][]common.Address
	disabled  map[common.Address]struct{}
}

func New() *AllPairGraph {
	return &AllPairGraph{
		pools:     make(map[common.Address]poolEntry),
		adjacency: make(map[common.Address]map[common.Address][]common.Address),
		disabled:  make(map[common.Address]struct{}),
	}
}

// FromPools bootstraps the graph from pools known to exist before the run starts.
func FromPools(pools map[model.PoolID]model.Pair) *AllPairGraph {
	g := New()
	ids := make([]model.PoolID, 0, len(pools))
	for id := range pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return model.CompareAddresses(ids[i].Address, ids[j].Address) < 0
	})
	for _, id := range ids {
		pair := pools[id]
		g.InsertPool(model.PoolInfo{
			Address:  id.Address,
			Protocol: id.Protocol,
			Token0:   pair.Token0,
			Token1:   pair.Token1,
		}, 0)
	}
	return g
}

// InsertPool adds info as an edge visible from block onward. It reports false
// when the pool address is already present.
func (g *AllPairGraph) InsertPool(info model.PoolInfo, block uint64) bool {
	if info.Token0 == info.Token1 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pools[info.Address]; ok {
		return false
	}
	g.pools[info.Address] = poolEntry{info: info, insertBlock: block}
	g.link(info.Token0, info.Token1, info.Address)
	g.link(info.Token1, info.Token0, info.Address)
	return true
}

func (g *AllPairGraph) link(from, to, pool common.Address) {
	inner, ok := g.adjacency[from]
	if !ok {
		inner = make(map[common.Address][]common.Address)
		g.adjacency[from] = inner
	}
	inner[to] = append(inner[to], pool)
}

// Pool returns the identity of a known pool.
func (g *AllPairGraph) Pool(address common.Address) (model.PoolInfo, bool) {
	g.mu.RLock()
	entry, ok := g.pools[address]
	g.mu.RUnlock()
	return entry.info, ok
}

// InsertBlock returns the block from which the pool is visible.
func (g *AllPairGraph) InsertBlock(address common.Address) (uint64, bool) {
	g.mu.RLock()
	entry, ok := g.pools[address]
	g.mu.RUnlock()
	return entry.insertBlock, ok
}

// Neighbors returns every pool touching token, directed away from it.
func (g *AllPairGraph) Neighbors(token common.Address) []model.PoolEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inner := g.adjacency[token]
	out := make([]model.PoolEdge, 0, len(inner))
	for _, other := range sortedKeys(inner) {
		for _, addr := range sortedAddresses(inner[other]) {
			edge, _ := model.NewPoolEdge(g.pools[addr].info, token)
			out = append(out, edge)
		}
	}
	return out
}

// EdgeCount returns the number of parallel pools between two tokens.
func (g *AllPairGraph) EdgeCount(a, b common.Address) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency[a][b])
}

// Disable excludes a pool from path search without removing it.
func (g *AllPairGraph) Disable(address common.Address) {
	g.mu.Lock()
	g.disabled[address] = struct{}{}
	g.mu.Unlock()
}

// Enable reverses Disable. It reports whether the pool was disabled.
func (g *AllPairGraph) Enable(address common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.disabled[address]; !ok {
		return false
	}
	delete(g.disabled, address)
	return true
}

func (g *AllPairGraph) IsDisabled(address common.Address) bool {
	g.mu.RLock()
	_, ok := g.disabled[address]
	g.mu.RUnlock()
	return ok
}

func (g *AllPairGraph) PoolCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pools)
}

func (g *AllPairGraph) TokenCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency)
}

func sortedKeys(m map[common.Address][]common.Address) []common.Address {
	out := make([]common.Address, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}

func sortedAddresses(in []common.Address) []common.Address {
	out := append([]common.Address(nil), in...)
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}
