package protocols

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexPricing/internal/model"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	pool = common.HexToAddress("0x0000000000000000000000000000000000000f01")
)

func rat(a, b int64) *big.Rat { return big.NewRat(a, b) }

func TestUniswapV2PriceBothDirections(t *testing.T) {
	state := NewUniswapV2(weth, usdc, big.NewInt(100), big.NewInt(200_000))

	price, err := state.Price(weth)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(2000, 1)))

	inverse, err := state.Price(usdc)
	require.NoError(t, err)
	require.Zero(t, new(big.Rat).Mul(price, inverse).Cmp(rat(1, 1)))

	_, err = state.Price(pool)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestPoolStateSwapBumpsNonce(t *testing.T) {
	state := NewPoolState(pool, 10, NewUniswapV2(weth, usdc, big.NewInt(100), big.NewInt(200_000)))

	next, err := state.Apply(model.Action{
		Kind:    model.ActionSwap,
		Amount0: big.NewInt(10),
		Amount1: big.NewInt(-18_182),
	})
	require.NoError(t, err)
	require.Equal(t, state.UpdateNonce+1, next.UpdateNonce)

	price, err := next.Price(weth)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(181_818, 110)))

	// the original snapshot is untouched
	old, err := state.Price(weth)
	require.NoError(t, err)
	require.Zero(t, old.Cmp(rat(2000, 1)))
}

func TestPoolStateNonceCountsUpdates(t *testing.T) {
	state := NewPoolState(pool, 0, NewUniswapV2(weth, usdc, big.NewInt(1000), big.NewInt(1000)))
	start := state.UpdateNonce
	for i := 0; i < 25; i++ {
		var err error
		state, err = state.Apply(model.Action{Kind: model.ActionSwap, Amount0: big.NewInt(1), Amount1: big.NewInt(-1)})
		require.NoError(t, err)
	}
	require.Equal(t, start+25, state.UpdateNonce)
}

func TestPoolStateNonceKeepsCountingPast16Bits(t *testing.T) {
	state := NewPoolState(pool, 3, NewUniswapV2(weth, usdc, big.NewInt(1000), big.NewInt(1000)))
	state.UpdateNonce = 65_535

	next, err := state.Apply(model.Action{Kind: model.ActionSync, Reserve0: big.NewInt(900), Reserve1: big.NewInt(1100)})
	require.NoError(t, err)
	require.Equal(t, uint64(65_536), next.UpdateNonce)
	require.Greater(t, next.UpdateNonce, state.UpdateNonce)
	require.Equal(t, model.PoolKey{Pool: pool, Run: 2, Batch: 3, UpdateNonce: 65_536}, next.Key(2))
}

func TestUniswapV2UnderflowIsArithmetic(t *testing.T) {
	state := NewPoolState(pool, 0, NewUniswapV2(weth, usdc, big.NewInt(5), big.NewInt(5)))

	_, err := state.Apply(model.Action{Kind: model.ActionBurn, Amount0: big.NewInt(-6), Amount1: big.NewInt(-1)})
	require.True(t, errors.Is(err, ErrArithmetic))
}

func TestUniswapV2ZeroReservesHaveNoPrice(t *testing.T) {
	empty, err := EmptyState(model.PoolInfo{Protocol: model.ProtocolUniswapV2, Token0: weth, Token1: usdc})
	require.NoError(t, err)

	_, err = empty.Price(weth)
	require.ErrorIs(t, err, ErrZeroLiquidity)

	minted, err := empty.Apply(model.Action{Kind: model.ActionMint, Amount0: big.NewInt(10), Amount1: big.NewInt(40)})
	require.NoError(t, err)
	price, err := minted.Price(weth)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(4, 1)))
}

func TestUniswapV2Sync(t *testing.T) {
	state := NewUniswapV2(weth, usdc, big.NewInt(1), big.NewInt(1))
	next, err := state.Apply(model.Action{Kind: model.ActionSync, Reserve0: big.NewInt(3), Reserve1: big.NewInt(9)})
	require.NoError(t, err)

	r0, r1 := next.Reserves()
	require.Zero(t, r0.Cmp(rat(3, 1)))
	require.Zero(t, r1.Cmp(rat(9, 1)))
}

func TestTVLInQuoteUnits(t *testing.T) {
	state := NewPoolState(pool, 0, NewUniswapV2(weth, usdc, big.NewInt(100), big.NewInt(200_000)))

	tvl, err := state.TVL(usdc)
	require.NoError(t, err)
	require.Zero(t, tvl.Cmp(rat(400_000, 1)))

	tvl, err = state.TVL(weth)
	require.NoError(t, err)
	require.Zero(t, tvl.Cmp(rat(200, 1)))
}

func TestUniswapV3PriceAndLiquidity(t *testing.T) {
	// sqrtPriceX96 = 2 * 2^96 => price 4
	sqrt := new(big.Int).Lsh(big.NewInt(2), 96)
	state := NewUniswapV3(weth, usdc, sqrt, big.NewInt(1000), 0)

	price, err := state.Price(weth)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(4, 1)))

	price, err = state.Price(usdc)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(1, 4)))

	x, y := state.Reserves()
	require.Zero(t, x.Cmp(rat(500, 1)))
	require.Zero(t, y.Cmp(rat(2000, 1)))
}

func TestUniswapV3MintBurnInRange(t *testing.T) {
	sqrt := new(big.Int).Set(q96)
	var state State = NewUniswapV3(weth, usdc, sqrt, big.NewInt(100), 5)

	state, err := state.Apply(model.Action{Kind: model.ActionMint, Liquidity: big.NewInt(50), TickLower: -10, TickUpper: 10})
	require.NoError(t, err)
	require.Zero(t, state.(UniswapV3).Liquidity().Cmp(big.NewInt(150)))

	// out of range
	state, err = state.Apply(model.Action{Kind: model.ActionMint, Liquidity: big.NewInt(50), TickLower: 10, TickUpper: 20})
	require.NoError(t, err)
	require.Zero(t, state.(UniswapV3).Liquidity().Cmp(big.NewInt(150)))

	_, err = state.Apply(model.Action{Kind: model.ActionBurn, Liquidity: big.NewInt(151), TickLower: -10, TickUpper: 10})
	require.ErrorIs(t, err, ErrArithmetic)
}

func TestUniswapV3InitializeThenSwap(t *testing.T) {
	empty, err := EmptyState(model.PoolInfo{Protocol: model.ProtocolUniswapV3, Token0: weth, Token1: usdc})
	require.NoError(t, err)

	_, err = empty.Price(weth)
	require.ErrorIs(t, err, ErrZeroLiquidity)

	state, err := empty.Apply(model.Action{Kind: model.ActionInitialize, SqrtPriceX96: q96, Tick: 0})
	require.NoError(t, err)
	price, err := state.Price(weth)
	require.NoError(t, err)
	require.Zero(t, price.Cmp(rat(1, 1)))

	_, err = state.Apply(model.Action{Kind: model.ActionSync})
	require.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestEmptyStateUnknownProtocol(t *testing.T) {
	_, err := EmptyState(model.PoolInfo{Protocol: "curve"})
	require.ErrorIs(t, err, ErrUnknownProtocol)
}
