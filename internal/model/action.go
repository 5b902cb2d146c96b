package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind names a normalized pool action.
type ActionKind string

const (
	ActionSwap       ActionKind = "swap"
	ActionMint       ActionKind = "mint"
	ActionBurn       ActionKind = "burn"
	ActionSync       ActionKind = "sync"
	ActionInitialize ActionKind = "initialize"
)

// Action is an observed pool event normalized by the classifier.
//
// Amount0/Amount1 are signed deltas from the pool's point of view: positive
// amounts entered the pool. For V3 mint/burn, Liquidity carries the position
// liquidity delta; for V3 swap it carries the in-range liquidity after the swap.
type Action struct {
	Kind     ActionKind     `json:"kind"`
	Protocol Protocol       `json:"protocol"`
	Pool     common.Address `json:"pool"`
	Token0   common.Address `json:"token0"`
	Token1   common.Address `json:"token1"`

	Amount0  *big.Int `json:"amount0,omitempty"`
	Amount1  *big.Int `json:"amount1,omitempty"`
	Reserve0 *big.Int `json:"reserve0,omitempty"`
	Reserve1 *big.Int `json:"reserve1,omitempty"`

	SqrtPriceX96 *big.Int `json:"sqrt_price_x96,omitempty"`
	Liquidity    *big.Int `json:"liquidity,omitempty"`
	Tick         int32    `json:"tick,omitempty"`
	TickLower    int32    `json:"tick_lower,omitempty"`
	TickUpper    int32    `json:"tick_upper,omitempty"`
}

func (a Action) Pair() Pair {
	return Pair{Token0: a.Token0, Token1: a.Token1}
}

// PoolUpdate is one action positioned in block/transaction order.
type PoolUpdate struct {
	Block    uint64 `json:"block"`
	TxIndex  uint64 `json:"tx_index"`
	LogIndex uint64 `json:"log_index"`
	Action   Action `json:"action"`
}

// MsgKind tags a PriceMsg.
type MsgKind string

const (
	MsgUpdate         MsgKind = "update"
	MsgDiscoveredPool MsgKind = "discovered_pool"
	MsgDisablePricing MsgKind = "disable_pricing"
)

// PriceMsg is one item of the ordered stream consumed by the pricer.
type PriceMsg struct {
	Kind   MsgKind     `json:"kind"`
	Update *PoolUpdate `json:"update,omitempty"`
	Pool   *PoolInfo   `json:"pool,omitempty"`
	Block  uint64      `json:"block,omitempty"`
}

func UpdateMsg(update PoolUpdate) PriceMsg {
	return PriceMsg{Kind: MsgUpdate, Update: &update, Block: update.Block}
}

func DiscoveredPoolMsg(pool PoolInfo) PriceMsg {
	return PriceMsg{Kind: MsgDiscoveredPool, Pool: &pool, Block: pool.CreatedBlock}
}

func DisablePricingMsg(block uint64) PriceMsg {
	return PriceMsg{Kind: MsgDisablePricing, Block: block}
}
