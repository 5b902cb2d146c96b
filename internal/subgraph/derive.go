package subgraph

import (
	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/graph"
	"dexPricing/internal/model"
)

// DeriveParams bounds a derivation.
type DeriveParams struct {
	MaxHops  int
	MaxPaths int
	// Ignore holds pools already known to be too thin or unusable.
	Ignore map[common.Address]struct{}
}

// Derive searches the graph for candidate edges from pair.Token0 to pair.Token1
// using only pools visible at block.
func Derive(g *graph.AllPairGraph, pair model.Pair, block uint64, params DeriveParams) []model.SubGraphEdge {
	if params.MaxHops <= 0 {
		params.MaxHops = DefaultMaxHops
	}
	paths := g.Paths(graph.PathQuery{
		Start:    pair.Token0,
		End:      pair.Token1,
		MaxHops:  params.MaxHops,
		MaxPaths: params.MaxPaths,
		Block:    block,
		Ignore:   params.Ignore,
	})
	return EdgesFromPaths(paths)
}

// FilterEdges keeps edges whose pools are still usable in g at block. Warm-started
// edges loaded from storage pass through it before use.
func FilterEdges(g *graph.AllPairGraph, edges []model.SubGraphEdge, block uint64) []model.SubGraphEdge {
	out := make([]model.SubGraphEdge, 0, len(edges))
	for _, edge := range edges {
		inserted, ok := g.InsertBlock(edge.Address)
		if !ok || inserted > block || g.IsDisabled(edge.Address) {
			continue
		}
		out = append(out, edge)
	}
	return out
}
