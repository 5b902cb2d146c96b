package subgraph

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"dexPricing/internal/model"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to VerificationState }{
		{Loading, Verifying},
		{Verifying, FrayedEnds},
		{FrayedEnds, Loading},
		{FrayedEnds, Verifying},
		{Recreating, Loading},
	}
	for _, tc := range allowed {
		require.Truef(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to VerificationState }{
		{Loading, FrayedEnds},
		{Loading, Recreating},
		{Verifying, Loading},
		{Recreating, Verifying},
		{Verifying, Recreating},
	}
	for _, tc := range denied {
		require.Falsef(t, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestVerifierLoadingToVerifying(t *testing.T) {
	f := newFixture()
	f.v2(1, weth, usdc, 1, 1)
	f.v2(2, weth, wbtc, 1, 1)
	pair := model.NewPair(usdc, wbtc).Ordered()

	v := NewVerifier()
	entry, fresh := v.Begin(pair, 10, Loading)
	require.True(t, fresh)
	require.Equal(t, Loading, entry.State)

	_, fresh = v.Begin(pair, 11, Loading)
	require.False(t, fresh)

	v.SetCandidate(pair, f.subgraph(pair), []common.Address{poolAddr(1), poolAddr(2)})
	require.Equal(t, 2, entry.Pending())
	require.Len(t, entry.History, 2)

	require.Empty(t, v.PoolReady(poolAddr(1)))
	require.Equal(t, []model.Pair{pair}, v.PoolReady(poolAddr(2)))
	require.Zero(t, entry.Pending())

	require.NoError(t, v.Transition(pair, Verifying))
	require.ErrorIs(t, v.Transition(pair, Loading), ErrInvalidTransition)
	require.Equal(t, 1, v.Counts()[Verifying])
}

func TestVerifierPoolFailedAddsIgnore(t *testing.T) {
	f := newFixture()
	f.v2(1, weth, usdc, 1, 1)
	pair := model.NewPair(weth, usdc).Ordered()

	v := NewVerifier()
	entry, _ := v.Begin(pair, 1, Loading)
	v.SetCandidate(pair, f.subgraph(pair), []common.Address{poolAddr(1)})

	require.Equal(t, []model.Pair{pair}, v.PoolFailed(poolAddr(1)))
	require.Contains(t, entry.Ignore, poolAddr(1))
	require.Zero(t, entry.Pending())
	require.Empty(t, v.PoolReady(poolAddr(1)))
}

func TestVerifierParkAndTouch(t *testing.T) {
	f := newFixture()
	f.v2(1, weth, usdc, 1, 1)
	pair := model.NewPair(weth, usdc).Ordered()

	v := NewVerifier()
	v.Begin(pair, 1, Loading)
	v.SetCandidate(pair, f.subgraph(pair), nil)
	require.ErrorIs(t, v.Park(pair), ErrInvalidTransition)

	require.NoError(t, v.Transition(pair, Verifying))
	require.NoError(t, v.Transition(pair, FrayedEnds))
	require.NoError(t, v.Park(pair))

	require.Equal(t, []model.Pair{pair}, v.Touched(poolAddr(1)))
	require.Equal(t, []model.Pair{pair}, v.ParkedWith(weth))

	require.NoError(t, v.Transition(pair, Verifying))
	require.Empty(t, v.Touched(poolAddr(1)))

	require.NotNil(t, v.Finish(pair))
	require.Nil(t, v.Finish(pair))
	require.Zero(t, v.Len())
}

func TestRecreatingRestartsAtLoading(t *testing.T) {
	v := NewVerifier()
	pair := model.NewPair(weth, usdc).Ordered()
	entry, _ := v.Begin(pair, 5, Recreating)
	require.Equal(t, Recreating, entry.State)
	require.NoError(t, v.Transition(pair, Loading))
	require.ErrorIs(t, v.Transition(model.NewPair(dai, frax), Loading), ErrUnknownPair)
}
