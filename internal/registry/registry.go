// Package registry owns cached pair subgraphs and the shared pool state arena.
package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
	"dexPricing/internal/subgraph"
)

var ErrUnverified = errors.New("subgraph has no route above the liquidity threshold")

// Config tunes registry pricing.
type Config struct {
	RunID uint64
	// MinLiquidity is counted in each subgraph's liquidity unit: QuoteAsset
	// when the pair contains it, otherwise the requested pair's Token1.
	MinLiquidity *big.Rat
	MaxHops      int
	QuoteAsset   common.Address
}

// Quote is a priced pair with the pool versions behind it.
type Quote struct {
	Price *big.Rat
	// Liquidity is in the subgraph's liquidity unit.
	Liquidity *big.Rat
	Keys      []model.PoolKey
}

// Registry is owned by a single coordinator and is not safe for concurrent use.
// Every pool has exactly one state entry, shared by all subgraphs that use it.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	tokenPairs map[common.Address]map[model.Pair]struct{}
	poolPairs  map[common.Address]map[model.Pair]struct{}
	subgraphs  map[model.Pair]*subgraph.PairSubGraph
	states     map[common.Address]protocols.PoolState
}

func New(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinLiquidity == nil {
		cfg.MinLiquidity = new(big.Rat)
	}
	return &Registry{
		cfg:        cfg,
		logger:     logger,
		tokenPairs: make(map[common.Address]map[model.Pair]struct{}),
		poolPairs:  make(map[common.Address]map[model.Pair]struct{}),
		subgraphs:  make(map[model.Pair]*subgraph.PairSubGraph),
		states:     make(map[common.Address]protocols.PoolState),
	}
}

// Lookup returns the current state of a tracked pool.
func (r *Registry) Lookup(address common.Address) (protocols.PoolState, bool) {
	state, ok := r.states[address]
	return state, ok
}

func (r *Registry) HasState(address common.Address) bool {
	_, ok := r.states[address]
	return ok
}

// SeedState starts tracking a pool. It reports false, leaving the existing
// entry alone, when the pool is already tracked.
func (r *Registry) SeedState(state protocols.PoolState) bool {
	if _, ok := r.states[state.Address]; ok {
		return false
	}
	r.states[state.Address] = state
	return true
}

// UpdatePoolState applies an update to the pool's single state entry. The
// second result is false when the pool is untracked, which is a no-op.
func (r *Registry) UpdatePoolState(address common.Address, update model.PoolUpdate) (protocols.PoolState, bool, error) {
	current, ok := r.states[address]
	if !ok {
		return protocols.PoolState{}, false, nil
	}
	next, err := current.Apply(update.Action)
	if err != nil {
		return current, true, err
	}
	r.states[address] = next
	return next, true, nil
}

// InsertSubgraph builds and verifies a subgraph from edges against the current
// pool state and caches it for pair.
func (r *Registry) InsertSubgraph(pair model.Pair, edges []model.SubGraphEdge) (*subgraph.PairSubGraph, error) {
	canonical := pair.Ordered()
	if canonical != pair {
		edges = subgraph.FlipEdges(edges)
	}
	s, err := subgraph.New(canonical, edges, r.cfg.MaxHops)
	if err != nil {
		return nil, err
	}
	s.SetLiquidityUnit(r.LiquidityUnit(pair))
	verdict := s.Verify(r.Lookup, r.cfg.MinLiquidity)
	if !verdict.Verified() {
		return nil, fmt.Errorf("insert %s: %w", canonical, ErrUnverified)
	}
	s.SetActive(verdict.Passing)
	r.InsertVerified(s)
	return s, nil
}

// LiquidityUnit is the token the liquidity threshold of pair is counted in.
func (r *Registry) LiquidityUnit(pair model.Pair) common.Address {
	if r.cfg.QuoteAsset != (common.Address{}) && pair.Has(r.cfg.QuoteAsset) {
		return r.cfg.QuoteAsset
	}
	return pair.Token1
}

// InsertVerified caches a subgraph whose active routes are already set.
func (r *Registry) InsertVerified(s *subgraph.PairSubGraph) {
	pair := s.Pair()
	if _, ok := r.subgraphs[pair]; ok {
		r.unindex(pair)
	}
	r.subgraphs[pair] = s
	r.index(pair, s)
}

// RemoveSubgraph evicts pair from the cache.
func (r *Registry) RemoveSubgraph(pair model.Pair) *subgraph.PairSubGraph {
	canonical := pair.Ordered()
	s, ok := r.subgraphs[canonical]
	if !ok {
		return nil
	}
	r.unindex(canonical)
	delete(r.subgraphs, canonical)
	return s
}

func (r *Registry) Subgraph(pair model.Pair) (*subgraph.PairSubGraph, bool) {
	s, ok := r.subgraphs[pair.Ordered()]
	return s, ok
}

func (r *Registry) HasSubgraph(pair model.Pair) bool {
	_, ok := r.subgraphs[pair.Ordered()]
	return ok
}

// GetPrice returns units of pair.Token1 per unit of pair.Token0.
func (r *Registry) GetPrice(pair model.Pair) (*big.Rat, bool) {
	quote, ok := r.Quote(pair)
	if !ok {
		return nil, false
	}
	return quote.Price, true
}

// Quote prices pair through its cached subgraph. The canonical direction is
// always evaluated and inverted for the reverse pair, so a pair and its flip
// are exact reciprocals.
func (r *Registry) Quote(pair model.Pair) (Quote, bool) {
	if pair.IsSame() {
		return Quote{Price: big.NewRat(1, 1)}, true
	}
	canonical := pair.Ordered()
	s, ok := r.subgraphs[canonical]
	if !ok {
		return Quote{}, false
	}
	routeQuote, err := s.Quote(r.Lookup)
	if err != nil {
		r.logger.Debug("subgraph quote failed", zap.Stringer("pair", canonical), zap.Error(err))
		return Quote{}, false
	}
	if routeQuote.Price.Sign() == 0 {
		return Quote{}, false
	}
	if routeQuote, err = s.Denominate(routeQuote); err != nil {
		return Quote{}, false
	}

	keys := make([]model.PoolKey, 0, len(routeQuote.States))
	for _, state := range routeQuote.States {
		keys = append(keys, state.Key(r.cfg.RunID))
	}
	price := routeQuote.Price
	if canonical != pair {
		price = new(big.Rat).Inv(price)
	}
	return Quote{Price: price, Liquidity: routeQuote.Liquidity, Keys: keys}, true
}

// PairsForToken lists cached pairs whose subgraph touches token.
func (r *Registry) PairsForToken(token common.Address) []model.Pair {
	return sortedPairs(r.tokenPairs[token])
}

// PairsForPool lists cached pairs whose subgraph references the pool.
func (r *Registry) PairsForPool(address common.Address) []model.Pair {
	return sortedPairs(r.poolPairs[address])
}

// Extension is the outcome of checking a new pool against cached subgraphs.
type Extension struct {
	// Attach pairs can take the pool as a parallel edge.
	Attach []model.Pair
	// Recreate pairs would get a shorter route through it.
	Recreate []model.Pair
}

// CheckNewPool finds cached subgraphs that a newly discovered pool could extend.
func (r *Registry) CheckNewPool(info model.PoolInfo) Extension {
	var ext Extension
	candidates := make(map[model.Pair]struct{})
	for pair := range r.tokenPairs[info.Token0] {
		if _, ok := r.tokenPairs[info.Token1][pair]; ok {
			candidates[pair] = struct{}{}
		}
	}
	for _, pair := range sortedPairs(candidates) {
		s, ok := r.subgraphs[pair]
		if !ok || s.HasPool(info.Address) {
			continue
		}
		if s.ShortensRoute(info) {
			ext.Recreate = append(ext.Recreate, pair)
			continue
		}
		if _, ok := s.HopFor(info); ok {
			ext.Attach = append(ext.Attach, pair)
		}
	}
	return ext
}

// AttachPool adds a loaded pool in parallel to an existing hop of pair and keeps
// it only if the subgraph still verifies.
func (r *Registry) AttachPool(pair model.Pair, info model.PoolInfo) bool {
	s, ok := r.subgraphs[pair.Ordered()]
	if !ok || !r.HasState(info.Address) {
		return false
	}
	edge, ok := s.HopFor(info)
	if !ok || !s.AddEdge(edge) {
		return false
	}
	verdict := s.Verify(r.Lookup, r.cfg.MinLiquidity)
	if !verdict.Verified() {
		s.RemovePool(info.Address)
		return false
	}
	s.SetActive(verdict.Passing)
	r.index(s.Pair(), s)
	return true
}

// DropPool forgets a broken pool and removes it from every subgraph. Pairs
// left without a verified route are evicted and returned.
func (r *Registry) DropPool(address common.Address) []model.Pair {
	delete(r.states, address)
	var evicted []model.Pair
	for _, pair := range sortedPairs(r.poolPairs[address]) {
		s := r.subgraphs[pair]
		r.unindex(pair)
		if s.RemovePool(address) {
			r.index(pair, s)
			continue
		}
		delete(r.subgraphs, pair)
		evicted = append(evicted, pair)
	}
	return evicted
}

// Audit re-checks the subgraphs using a pool against the liquidity threshold.
// Pairs whose every verified route drained are evicted and returned.
func (r *Registry) Audit(address common.Address) []model.Pair {
	var drained []model.Pair
	for _, pair := range sortedPairs(r.poolPairs[address]) {
		s := r.subgraphs[pair]
		if s.Audit(r.Lookup, r.cfg.MinLiquidity) {
			continue
		}
		r.RemoveSubgraph(pair)
		drained = append(drained, pair)
	}
	return drained
}

// Pairs lists cached pairs in canonical order.
func (r *Registry) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(r.subgraphs))
	for pair := range r.subgraphs {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return model.ComparePairs(out[i], out[j]) < 0 })
	return out
}

func (r *Registry) Len() int { return len(r.subgraphs) }

func (r *Registry) PoolCount() int { return len(r.states) }

func (r *Registry) index(pair model.Pair, s *subgraph.PairSubGraph) {
	for _, token := range s.Tokens() {
		addToSet(r.tokenPairs, token, pair)
	}
	for _, pool := range s.Pools() {
		addToSet(r.poolPairs, pool, pair)
	}
}

func (r *Registry) unindex(pair model.Pair) {
	s := r.subgraphs[pair]
	for _, token := range s.Tokens() {
		removeFromSet(r.tokenPairs, token, pair)
	}
	for _, pool := range s.Pools() {
		removeFromSet(r.poolPairs, pool, pair)
	}
}

func addToSet(m map[common.Address]map[model.Pair]struct{}, key common.Address, pair model.Pair) {
	set, ok := m[key]
	if !ok {
		set = make(map[model.Pair]struct{})
		m[key] = set
	}
	set[pair] = struct{}{}
}

func removeFromSet(m map[common.Address]map[model.Pair]struct{}, key common.Address, pair model.Pair) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, pair)
	if len(set) == 0 {
		delete(m, key)
	}
}

func sortedPairs(set map[model.Pair]struct{}) []model.Pair {
	out := make([]model.Pair, 0, len(set))
	for pair := range set {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return model.ComparePairs(out[i], out[j]) < 0 })
	return out
}
