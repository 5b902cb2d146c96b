// Package subgraph derives, evaluates and verifies the pool routes used to price one pair.
package subgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/graph"
	"dexPricing/internal/model"
)

const (
	DefaultMaxHops = 4
	maxRoutes      = 16
)

var ErrNoRoute = errors.New("no route between pair tokens")

// Hop groups the parallel pools that trade From into To.
type Hop struct {
	From  common.Address
	To    common.Address
	Pools []model.SubGraphEdge
}

// Route is one candidate path inside a pair subgraph.
type Route struct {
	Hops []Hop
}

func (r Route) Len() int { return len(r.Hops) }

// PoolAddresses lists every pool on the route in hop order.
func (r Route) PoolAddresses() []common.Address {
	var out []common.Address
	for _, hop := range r.Hops {
		for _, edge := range hop.Pools {
			out = append(out, edge.Address)
		}
	}
	return out
}

type distance struct {
	start int
	end   int
}

// PairSubGraph is the set of routes connecting Pair.Token0 to Pair.Token1.
type PairSubGraph struct {
	pair      model.Pair
	unit      common.Address
	maxHops   int
	edges     []model.SubGraphEdge
	routes    []Route
	active    []int
	distances map[common.Address]distance
}

// New builds a subgraph from directed edges. It fails when no route connects the pair.
func New(pair model.Pair, edges []model.SubGraphEdge, maxHops int) (*PairSubGraph, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	s := &PairSubGraph{pair: pair, unit: pair.Token1, maxHops: maxHops}
	s.setEdges(edges)
	if len(s.routes) == 0 {
		return nil, fmt.Errorf("subgraph %s: %w", pair, ErrNoRoute)
	}
	return s, nil
}

// EdgesFromPaths flattens graph paths into subgraph edges, keeping the
// smallest distance seen for an edge that appears on several paths.
func EdgesFromPaths(paths []graph.Path) []model.SubGraphEdge {
	type key struct {
		pool     common.Address
		token0In bool
	}
	merged := make(map[key]model.SubGraphEdge)
	for _, path := range paths {
		for i, hop := range path {
			toStart := uint8(i)
			toEnd := uint8(len(path) - 1 - i)
			for _, pool := range hop.Pools {
				k := key{pool: pool.Address, token0In: pool.Token0In}
				existing, ok := merged[k]
				if !ok {
					merged[k] = model.SubGraphEdge{PoolEdge: pool, DistanceToStart: toStart, DistanceToEnd: toEnd}
					continue
				}
				if toStart < existing.DistanceToStart {
					existing.DistanceToStart = toStart
				}
				if toEnd < existing.DistanceToEnd {
					existing.DistanceToEnd = toEnd
				}
				merged[k] = existing
			}
		}
	}

	out := make([]model.SubGraphEdge, 0, len(merged))
	for _, edge := range merged {
		out = append(out, edge)
	}
	sortEdges(out)
	return out
}

// MergeEdges unions edge sets, deduplicating by pool and direction.
func MergeEdges(sets ...[]model.SubGraphEdge) []model.SubGraphEdge {
	type key struct {
		pool     common.Address
		token0In bool
	}
	seen := make(map[key]int)
	var out []model.SubGraphEdge
	for _, set := range sets {
		for _, edge := range set {
			k := key{pool: edge.Address, token0In: edge.Token0In}
			if idx, ok := seen[k]; ok {
				if edge.DistanceToStart < out[idx].DistanceToStart {
					out[idx].DistanceToStart = edge.DistanceToStart
				}
				if edge.DistanceToEnd < out[idx].DistanceToEnd {
					out[idx].DistanceToEnd = edge.DistanceToEnd
				}
				continue
			}
			seen[k] = len(out)
			out = append(out, edge)
		}
	}
	sortEdges(out)
	return out
}

// FlipEdges re-directs edges derived for pair.Flip() so they run from the other end.
func FlipEdges(edges []model.SubGraphEdge) []model.SubGraphEdge {
	out := make([]model.SubGraphEdge, 0, len(edges))
	for _, edge := range edges {
		edge.Token0In = !edge.Token0In
		edge.DistanceToStart, edge.DistanceToEnd = edge.DistanceToEnd, edge.DistanceToStart
		out = append(out, edge)
	}
	return out
}

func sortEdges(edges []model.SubGraphEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.DistanceToStart != b.DistanceToStart {
			return a.DistanceToStart < b.DistanceToStart
		}
		if c := model.CompareAddresses(a.Address, b.Address); c != 0 {
			return c < 0
		}
		return a.Token0In && !b.Token0In
	})
}

func (s *PairSubGraph) Pair() model.Pair { return s.pair }

// SetLiquidityUnit picks which side of the pair the liquidity threshold is
// counted in. It defaults to Pair().Token1; tokens outside the pair are ignored.
func (s *PairSubGraph) SetLiquidityUnit(token common.Address) {
	if s.pair.Has(token) {
		s.unit = token
	}
}

func (s *PairSubGraph) LiquidityUnit() common.Address { return s.unit }

// Edges returns a copy of the subgraph's edges.
func (s *PairSubGraph) Edges() []model.SubGraphEdge {
	return append([]model.SubGraphEdge(nil), s.edges...)
}

func (s *PairSubGraph) Routes() []Route { return s.routes }

// Active returns verified routes in preference order.
func (s *PairSubGraph) Active() []Route {
	out := make([]Route, 0, len(s.active))
	for _, idx := range s.active {
		out = append(out, s.routes[idx])
	}
	return out
}

// SetActive marks routes (by index into Routes) as verified, best first.
func (s *PairSubGraph) SetActive(order []int) {
	s.active = append([]int(nil), order...)
}

// ActiveHops is the hop count of the preferred route, or 0 when none is verified.
func (s *PairSubGraph) ActiveHops() int {
	if len(s.active) == 0 {
		return 0
	}
	return s.routes[s.active[0]].Len()
}

// Tokens lists every token on any route.
func (s *PairSubGraph) Tokens() []common.Address {
	out := make([]common.Address, 0, len(s.distances))
	for token := range s.distances {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}

// Pools lists the distinct pool addresses referenced by the subgraph.
func (s *PairSubGraph) Pools() []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, edge := range s.edges {
		if _, ok := seen[edge.Address]; ok {
			continue
		}
		seen[edge.Address] = struct{}{}
		out = append(out, edge.Address)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}

// ActivePools lists pools on verified routes.
func (s *PairSubGraph) ActivePools() []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, route := range s.Active() {
		for _, addr := range route.PoolAddresses() {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

func (s *PairSubGraph) HasPool(address common.Address) bool {
	for _, edge := range s.edges {
		if edge.Address == address {
			return true
		}
	}
	return false
}

// Distances reports how many hops token sits from the start and end tokens.
func (s *PairSubGraph) Distances(token common.Address) (int, int, bool) {
	d, ok := s.distances[token]
	return d.start, d.end, ok
}

// HopFor directs info along an existing hop, if its tokens are adjacent on some route.
func (s *PairSubGraph) HopFor(info model.PoolInfo) (model.PoolEdge, bool) {
	for _, route := range s.routes {
		for _, hop := range route.Hops {
			if (hop.From == info.Token0 && hop.To == info.Token1) || (hop.From == info.Token1 && hop.To == info.Token0) {
				return model.NewPoolEdge(info, hop.From)
			}
		}
	}
	return model.PoolEdge{}, false
}

// AddEdge attaches a pool in parallel to an existing hop. It reports false when
// the pool does not connect two adjacent hop tokens or is already present.
func (s *PairSubGraph) AddEdge(edge model.PoolEdge) bool {
	if s.HasPool(edge.Address) {
		return false
	}
	from, to := edge.TokenIn(), edge.TokenOut()
	fromDist, ok := s.distances[from]
	if !ok {
		return false
	}
	toDist, ok := s.distances[to]
	if !ok {
		return false
	}

	added := false
	for ri := range s.routes {
		for hi := range s.routes[ri].Hops {
			hop := &s.routes[ri].Hops[hi]
			if hop.From != from || hop.To != to {
				continue
			}
			hop.Pools = append(hop.Pools, model.SubGraphEdge{
				PoolEdge:        edge,
				DistanceToStart: uint8(hi),
				DistanceToEnd:   uint8(s.routes[ri].Len() - 1 - hi),
			})
			added = true
		}
	}
	if !added {
		return false
	}
	s.edges = append(s.edges, model.SubGraphEdge{
		PoolEdge:        edge,
		DistanceToStart: uint8(fromDist.start),
		DistanceToEnd:   uint8(toDist.end),
	})
	sortEdges(s.edges)
	return true
}

// RemovePool drops a pool from every hop. Routes left with an empty hop are
// discarded. It reports whether any verified route survives.
func (s *PairSubGraph) RemovePool(address common.Address) bool {
	kept := s.edges[:0]
	for _, edge := range s.edges {
		if edge.Address != address {
			kept = append(kept, edge)
		}
	}
	s.edges = kept

	activeSet := make(map[int]int, len(s.active))
	for rank, idx := range s.active {
		activeSet[idx] = rank
	}

	var routes []Route
	type ranked struct {
		rank int
		idx  int
	}
	var survivors []ranked
	for ri, route := range s.routes {
		intact := true
		for hi := range route.Hops {
			pools := route.Hops[hi].Pools[:0:0]
			for _, edge := range route.Hops[hi].Pools {
				if edge.Address != address {
					pools = append(pools, edge)
				}
			}
			if len(pools) == 0 {
				intact = false
				break
			}
			route.Hops[hi].Pools = pools
		}
		if !intact {
			continue
		}
		if rank, ok := activeSet[ri]; ok {
			survivors = append(survivors, ranked{rank: rank, idx: len(routes)})
		}
		routes = append(routes, route)
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].rank < survivors[j].rank })
	s.routes = routes
	s.active = s.active[:0]
	for _, r := range survivors {
		s.active = append(s.active, r.idx)
	}
	s.computeDistances()
	return len(s.active) > 0
}

// ShortensRoute reports whether a new pool would give a route shorter than the active one.
func (s *PairSubGraph) ShortensRoute(info model.PoolInfo) bool {
	current := s.ActiveHops()
	if current <= 1 {
		return false
	}
	check := func(from, to common.Address) bool {
		a, okA := s.distances[from]
		b, okB := s.distances[to]
		return okA && okB && a.start+1+b.end < current
	}
	return check(info.Token0, info.Token1) || check(info.Token1, info.Token0)
}

func (s *PairSubGraph) setEdges(edges []model.SubGraphEdge) {
	s.edges = MergeEdges(edges)

	adjacency := make(map[common.Address]map[common.Address][]model.SubGraphEdge)
	for _, edge := range s.edges {
		from, to := edge.TokenIn(), edge.TokenOut()
		if adjacency[from] == nil {
			adjacency[from] = make(map[common.Address][]model.SubGraphEdge)
		}
		adjacency[from][to] = append(adjacency[from][to], edge)
	}

	s.routes = nil
	s.active = nil
	for length := 1; length <= s.maxHops && len(s.routes) < maxRoutes; length++ {
		visited := map[common.Address]struct{}{s.pair.Token0: {}}
		s.collectRoutes(adjacency, []common.Address{s.pair.Token0}, length, visited)
	}
	s.computeDistances()
}

func (s *PairSubGraph) collectRoutes(adjacency map[common.Address]map[common.Address][]model.SubGraphEdge, tokens []common.Address, length int, visited map[common.Address]struct{}) {
	if len(s.routes) >= maxRoutes {
		return
	}
	current := tokens[len(tokens)-1]
	if len(tokens)-1 == length {
		if current == s.pair.Token1 {
			s.routes = append(s.routes, buildRoute(adjacency, tokens))
		}
		return
	}
	if current == s.pair.Token1 {
		return
	}

	next := make([]common.Address, 0, len(adjacency[current]))
	for token := range adjacency[current] {
		next = append(next, token)
	}
	sort.Slice(next, func(i, j int) bool { return model.CompareAddresses(next[i], next[j]) < 0 })

	for _, token := range next {
		if _, seen := visited[token]; seen {
			continue
		}
		visited[token] = struct{}{}
		s.collectRoutes(adjacency, append(tokens, token), length, visited)
		delete(visited, token)
	}
}

func buildRoute(adjacency map[common.Address]map[common.Address][]model.SubGraphEdge, tokens []common.Address) Route {
	route := Route{Hops: make([]Hop, 0, len(tokens)-1)}
	for i := 0; i+1 < len(tokens); i++ {
		edges := adjacency[tokens[i]][tokens[i+1]]
		pools := make([]model.SubGraphEdge, 0, len(edges))
		for _, edge := range edges {
			edge.DistanceToStart = uint8(i)
			edge.DistanceToEnd = uint8(len(tokens) - 2 - i)
			pools = append(pools, edge)
		}
		route.Hops = append(route.Hops, Hop{From: tokens[i], To: tokens[i+1], Pools: pools})
	}
	return route
}

func (s *PairSubGraph) computeDistances() {
	s.distances = make(map[common.Address]distance)
	for _, route := range s.routes {
		n := route.Len()
		for i, hop := range route.Hops {
			s.observe(hop.From, i, n-i)
			s.observe(hop.To, i+1, n-i-1)
		}
	}
}

func (s *PairSubGraph) observe(token common.Address, start, end int) {
	d, ok := s.distances[token]
	if !ok {
		s.distances[token] = distance{start: start, end: end}
		return
	}
	if start < d.start {
		d.start = start
	}
	if end < d.end {
		d.end = end
	}
	s.distances[token] = d
}
