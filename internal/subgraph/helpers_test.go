package subgraph

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/graph"
	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	wbtc = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	dai  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	frax = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

func poolAddr(n byte) common.Address {
	var a common.Address
	a[18] = 0x0f
	a[19] = n
	return a
}

type fixture struct {
	graph  *graph.AllPairGraph
	states map[common.Address]protocols.PoolState
}

func newFixture() *fixture {
	return &fixture{graph: graph.New(), states: make(map[common.Address]protocols.PoolState)}
}

func (f *fixture) v2(n byte, t0, t1 common.Address, r0, r1 int64) model.PoolInfo {
	info := model.PoolInfo{Address: poolAddr(n), Protocol: model.ProtocolUniswapV2, Token0: t0, Token1: t1}
	f.graph.InsertPool(info, 0)
	f.states[info.Address] = protocols.NewPoolState(info.Address, 0,
		protocols.NewUniswapV2(t0, t1, big.NewInt(r0), big.NewInt(r1)))
	return info
}

func (f *fixture) lookup(addr common.Address) (protocols.PoolState, bool) {
	state, ok := f.states[addr]
	return state, ok
}

func (f *fixture) subgraph(pair model.Pair) *PairSubGraph {
	edges := Derive(f.graph, pair, 1, DeriveParams{MaxHops: 4})
	s, err := New(pair, edges, 4)
	if err != nil {
		panic(err)
	}
	return s
}
