package model

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestPairOrderedIsCanonical(t *testing.T) {
	ab := NewPair(tokenA, tokenB)
	ba := NewPair(tokenB, tokenA)

	require.Equal(t, ab.Ordered(), ba.Ordered())
	require.True(t, ab.IsOrdered())
	require.False(t, ba.IsOrdered())
	require.Equal(t, ab, ba.Flip())
	require.Equal(t, ab, ab.Flip().Flip())
}

func TestPairIsSame(t *testing.T) {
	require.True(t, NewPair(tokenA, tokenA).IsSame())
	require.False(t, NewPair(tokenA, tokenB).IsSame())
}

func TestPairAsMapKeyJSON(t *testing.T) {
	in := map[Pair]int{NewPair(tokenA, tokenB): 7}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[Pair]int
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestPairUnmarshalTextRejectsGarbage(t *testing.T) {
	var p Pair
	require.Error(t, p.UnmarshalText([]byte("nope")))
	require.Error(t, p.UnmarshalText([]byte("0x01:zz")))
}
