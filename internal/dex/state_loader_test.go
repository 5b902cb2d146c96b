package dex

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
)

func TestLoadV2StateAtBlock(t *testing.T) {
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	info := model.PoolInfo{
		Address:  common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Protocol: model.ProtocolUniswapV2,
		Token0:   token0,
		Token1:   token1,
	}
	caller := newFakeCaller()
	caller.set(info.Address, pairABI, "getReserves", big.NewInt(100), big.NewInt(250), uint32(1700000000))
	caller.fails = 1

	loader := NewStateLoader(StateLoaderConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}, caller, nil)
	state, err := loader.LoadPoolState(context.Background(), info, 99)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	v2, ok := state.(protocols.UniswapV2)
	if !ok {
		t.Fatalf("unexpected state type %T", state)
	}
	r0, r1 := v2.ReserveAmounts()
	if r0.Int64() != 100 || r1.Int64() != 250 {
		t.Fatalf("reserves mismatch: %s %s", r0, r1)
	}
	if len(caller.calls) != 2 || caller.calls[1].Uint64() != 99 {
		t.Fatalf("expected a retried call at block 99, got %v", caller.calls)
	}
}

func TestLoadV3StateAtBlock(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	info := model.PoolInfo{
		Address:  common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Protocol: model.ProtocolUniswapV3,
		Token0:   token0,
		Token1:   token1,
	}
	sqrtPrice := new(big.Int).Lsh(big.NewInt(2), 96)
	caller := newFakeCaller()
	caller.set(info.Address, poolABI, "slot0", sqrtPrice, big.NewInt(13863), uint16(0), uint16(1), uint16(1), uint8(0), true)
	caller.set(info.Address, poolABI, "liquidity", big.NewInt(1_000_000))

	loader := NewStateLoader(StateLoaderConfig{}, caller, nil)
	state, err := loader.LoadPoolState(context.Background(), info, 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	v3, ok := state.(protocols.UniswapV3)
	if !ok {
		t.Fatalf("unexpected state type %T", state)
	}
	if v3.Tick() != 13863 || v3.Liquidity().Int64() != 1_000_000 {
		t.Fatalf("state mismatch: tick %d liquidity %s", v3.Tick(), v3.Liquidity())
	}
	price, err := v3.Price(token0)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if price.Cmp(big.NewRat(4, 1)) != 0 {
		t.Fatalf("price mismatch: %s", price.RatString())
	}
}

func TestLoadStateFailures(t *testing.T) {
	loader := NewStateLoader(StateLoaderConfig{RetryBackoff: time.Millisecond}, newFakeCaller(), nil)

	_, err := loader.LoadPoolState(context.Background(), model.PoolInfo{Protocol: "curve"}, 1)
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("expected unsupported protocol, got %v", err)
	}

	_, err = loader.LoadPoolState(context.Background(), model.PoolInfo{
		Address:  common.HexToAddress("0x01"),
		Protocol: model.ProtocolUniswapV2,
	}, 1)
	if err == nil {
		t.Fatalf("expected reverted call to fail")
	}
}
