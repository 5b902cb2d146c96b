package graph

import (
	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

const defaultMaxPaths = 8

// Hop is one step of a path with every usable parallel pool between two tokens.
type Hop struct {
	From  common.Address
	To    common.Address
	Pools []model.PoolEdge
}

// Path is an ordered run of hops from a start token to an end token.
type Path []Hop

// PathQuery bounds a path search.
type PathQuery struct {
	Start    common.Address
	End      common.Address
	MaxHops  int
	MaxPaths int
	// Block hides pools inserted after it.
	Block  uint64
	Ignore map[common.Address]struct{}
}

// Paths enumerates simple paths from Start to End, shortest first. Paths of
// equal length come out in token-address order, so results are deterministic.
func (g *AllPairGraph) Paths(q PathQuery) []Path {
	if q.Start == q.End || q.MaxHops <= 0 {
		return nil
	}
	if q.MaxPaths <= 0 {
		q.MaxPaths = defaultMaxPaths
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	dist := g.distancesTo(q)
	shortest, ok := dist[q.Start]
	if !ok {
		return nil
	}

	var out []Path
	for length := shortest; length <= q.MaxHops && len(out) < q.MaxPaths; length++ {
		w := walker{g: g, q: q, dist: dist, length: length, limit: q.MaxPaths - len(out)}
		w.visited = map[common.Address]struct{}{q.Start: {}}
		w.walk([]common.Address{q.Start})
		out = append(out, w.found...)
	}
	return out
}

func (g *AllPairGraph) usable(q PathQuery, pool common.Address) bool {
	entry, ok := g.pools[pool]
	if !ok || entry.insertBlock > q.Block {
		return false
	}
	if _, off := g.disabled[pool]; off {
		return false
	}
	if _, skip := q.Ignore[pool]; skip {
		return false
	}
	return true
}

func (g *AllPairGraph) usablePools(q PathQuery, from, to common.Address) []model.PoolEdge {
	var out []model.PoolEdge
	for _, addr := range sortedAddresses(g.adjacency[from][to]) {
		if !g.usable(q, addr) {
			continue
		}
		edge, _ := model.NewPoolEdge(g.pools[addr].info, from)
		out = append(out, edge)
	}
	return out
}

// distancesTo runs a breadth-first search outward from q.End over usable pools.
func (g *AllPairGraph) distancesTo(q PathQuery) map[common.Address]int {
	dist := map[common.Address]int{q.End: 0}
	frontier := []common.Address{q.End}
	for depth := 1; depth <= q.MaxHops && len(frontier) > 0; depth++ {
		var next []common.Address
		for _, token := range frontier {
			for other, pools := range g.adjacency[token] {
				if _, seen := dist[other]; seen {
					continue
				}
				for _, pool := range pools {
					if g.usable(q, pool) {
						dist[other] = depth
						next = append(next, other)
						break
					}
				}
			}
		}
		frontier = next
	}
	return dist
}

type walker struct {
	g       *AllPairGraph
	q       PathQuery
	dist    map[common.Address]int
	length  int
	limit   int
	visited map[common.Address]struct{}
	found   []Path
}

func (w *walker) walk(tokens []common.Address) {
	if len(w.found) >= w.limit {
		return
	}
	current := tokens[len(tokens)-1]
	remaining := w.length - (len(tokens) - 1)
	if remaining == 0 {
		if current == w.q.End {
			w.found = append(w.found, w.build(tokens))
		}
		return
	}

	for _, next := range sortedKeys(w.g.adjacency[current]) {
		if _, seen := w.visited[next]; seen {
			continue
		}
		d, ok := w.dist[next]
		if !ok || d > remaining-1 {
			continue
		}
		if next == w.q.End && remaining != 1 {
			continue
		}
		if len(w.g.usablePools(w.q, current, next)) == 0 {
			continue
		}
		w.visited[next] = struct{}{}
		w.walk(append(tokens, next))
		delete(w.visited, next)
	}
}

func (w *walker) build(tokens []common.Address) Path {
	path := make(Path, 0, len(tokens)-1)
	for i := 0; i+1 < len(tokens); i++ {
		path = append(path, Hop{
			From:  tokens[i],
			To:    tokens[i+1],
			Pools: w.g.usablePools(w.q, tokens[i], tokens[i+1]),
		})
	}
	return path
}
