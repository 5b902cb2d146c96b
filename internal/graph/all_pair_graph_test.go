package graph

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexPricing/internal/model"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	wbtc = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	dai  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	lone = common.HexToAddress("0x00000000000000000000000000000000000000f9")
)

func poolAddr(n byte) common.Address {
	var a common.Address
	a[18] = 0x0f
	a[19] = n
	return a
}

func info(n byte, t0, t1 common.Address) model.PoolInfo {
	return model.PoolInfo{Address: poolAddr(n), Protocol: model.ProtocolUniswapV2, Token0: t0, Token1: t1}
}

func TestInsertPoolIsIdempotent(t *testing.T) {
	g := New()
	require.True(t, g.InsertPool(info(1, weth, usdc), 0))
	require.False(t, g.InsertPool(info(1, weth, usdc), 5))
	require.Equal(t, 1, g.PoolCount())
	require.Equal(t, 1, g.EdgeCount(weth, usdc))

	block, ok := g.InsertBlock(poolAddr(1))
	require.True(t, ok)
	require.Zero(t, block)
}

func TestParallelPoolsAreSeparateEdges(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 0)
	g.InsertPool(info(2, usdc, weth), 0)

	require.Equal(t, 2, g.EdgeCount(weth, usdc))
	require.Equal(t, 2, g.EdgeCount(usdc, weth))

	neighbors := g.Neighbors(weth)
	require.Len(t, neighbors, 2)
	for _, edge := range neighbors {
		require.Equal(t, weth, edge.TokenIn())
		require.Equal(t, usdc, edge.TokenOut())
	}
}

func TestFromPools(t *testing.T) {
	g := FromPools(map[model.PoolID]model.Pair{
		{Address: poolAddr(1), Protocol: model.ProtocolUniswapV2}: model.NewPair(weth, usdc),
		{Address: poolAddr(2), Protocol: model.ProtocolUniswapV3}: model.NewPair(weth, wbtc),
	})
	require.Equal(t, 2, g.PoolCount())
	require.Equal(t, 3, g.TokenCount())

	p, ok := g.Pool(poolAddr(2))
	require.True(t, ok)
	require.Equal(t, model.ProtocolUniswapV3, p.Protocol)
}

func TestPathsThroughIntermediate(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 0)
	g.InsertPool(info(2, weth, wbtc), 0)

	paths := g.Paths(PathQuery{Start: usdc, End: wbtc, MaxHops: 4, Block: 10})
	require.Len(t, paths, 1)
	require.Len(t, paths[0], 2)
	require.Equal(t, usdc, paths[0][0].From)
	require.Equal(t, weth, paths[0][0].To)
	require.Equal(t, wbtc, paths[0][1].To)
	require.Equal(t, poolAddr(1), paths[0][0].Pools[0].Address)
	require.False(t, paths[0][0].Pools[0].Token0In)
}

func TestPathsShortestFirst(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 0)
	g.InsertPool(info(2, weth, dai), 0)
	g.InsertPool(info(3, dai, usdc), 0)

	paths := g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 3, Block: 1})
	require.Len(t, paths, 2)
	require.Len(t, paths[0], 1)
	require.Len(t, paths[1], 2)
}

func TestPathsRespectMaxHops(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, dai), 0)
	g.InsertPool(info(2, dai, usdc), 0)

	require.Empty(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 1, Block: 1}))
	require.Len(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 2, Block: 1}), 1)
}

func TestPathsHideFuturePools(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 50)

	require.Empty(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 2, Block: 49}))
	require.Len(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 2, Block: 50}), 1)
}

func TestPathsSkipDisabledAndIgnored(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 0)
	g.InsertPool(info(2, weth, usdc), 0)

	g.Disable(poolAddr(1))
	paths := g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 1, Block: 1})
	require.Len(t, paths, 1)
	require.Len(t, paths[0][0].Pools, 1)
	require.Equal(t, poolAddr(2), paths[0][0].Pools[0].Address)

	ignore := map[common.Address]struct{}{poolAddr(2): {}}
	require.Empty(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 1, Block: 1, Ignore: ignore}))

	require.True(t, g.Enable(poolAddr(1)))
	require.False(t, g.Enable(poolAddr(1)))
	require.Len(t, g.Paths(PathQuery{Start: weth, End: usdc, MaxHops: 1, Block: 1, Ignore: ignore}), 1)
}

func TestPathsNoConnection(t *testing.T) {
	g := New()
	g.InsertPool(info(1, weth, usdc), 0)

	require.Empty(t, g.Paths(PathQuery{Start: weth, End: lone, MaxHops: 4, Block: 1}))
	require.Empty(t, g.Paths(PathQuery{Start: weth, End: weth, MaxHops: 4, Block: 1}))
}

func TestPathsAreDeterministic(t *testing.T) {
	build := func() *AllPairGraph {
		g := New()
		g.InsertPool(info(1, weth, dai), 0)
		g.InsertPool(info(2, dai, usdc), 0)
		g.InsertPool(info(3, weth, wbtc), 0)
		g.InsertPool(info(4, wbtc, usdc), 0)
		return g
	}
	q := PathQuery{Start: weth, End: usdc, MaxHops: 3, Block: 1}
	require.Equal(t, build().Paths(q), build().Paths(q))
}
