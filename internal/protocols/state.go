// Package protocols implements the per-protocol pool math used for pricing.
package protocols

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

var (
	// ErrArithmetic marks an underflow/overflow in pool math. A pool that hits it is unusable.
	ErrArithmetic        = errors.New("pool arithmetic error")
	ErrZeroLiquidity     = errors.New("pool has no liquidity")
	ErrUnknownToken      = errors.New("token not in pool")
	ErrUnsupportedAction = errors.New("unsupported action")
	ErrUnknownProtocol   = errors.New("unknown protocol")
)

// State is the protocol-specific part of a pool snapshot.
// Implementations are values; Apply never mutates the receiver.
type State interface {
	Protocol() model.Protocol
	Tokens() (common.Address, common.Address)
	Apply(action model.Action) (State, error)
	// Price returns units of the other token paid for one unit of base.
	Price(base common.Address) (*big.Rat, error)
	// Reserves returns token0 and token1 amounts (virtual amounts for concentrated liquidity).
	Reserves() (*big.Rat, *big.Rat)

	sealed()
}

// EmptyState is the state of a pool that was created in the current block.
func EmptyState(info model.PoolInfo) (State, error) {
	switch info.Protocol {
	case model.ProtocolUniswapV2:
		return NewUniswapV2(info.Token0, info.Token1, new(big.Int), new(big.Int)), nil
	case model.ProtocolUniswapV3:
		return NewUniswapV3(info.Token0, info.Token1, new(big.Int), new(big.Int), 0), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProtocol, info.Protocol)
	}
}

// PoolState is a versioned pool snapshot.
type PoolState struct {
	Address     common.Address
	UpdateNonce uint64
	// Batch is the block whose end state seeded this entry.
	Batch   uint64
	Variant State
}

func NewPoolState(address common.Address, batch uint64, variant State) PoolState {
	return PoolState{Address: address, Batch: batch, Variant: variant}
}

// Apply returns the successor snapshot with the nonce bumped by one.
func (s PoolState) Apply(action model.Action) (PoolState, error) {
	if s.Variant == nil {
		return s, fmt.Errorf("apply %s: pool %s has no state", action.Kind, s.Address.Hex())
	}
	next, err := s.Variant.Apply(action)
	if err != nil {
		return s, fmt.Errorf("apply %s to %s: %w", action.Kind, s.Address.Hex(), err)
	}
	return PoolState{
		Address:     s.Address,
		UpdateNonce: s.UpdateNonce + 1,
		Batch:       s.Batch,
		Variant:     next,
	}, nil
}

func (s PoolState) Price(base common.Address) (*big.Rat, error) {
	if s.Variant == nil {
		return nil, ErrZeroLiquidity
	}
	return s.Variant.Price(base)
}

// TVL values both reserves in units of quote.
func (s PoolState) TVL(quote common.Address) (*big.Rat, error) {
	if s.Variant == nil {
		return nil, ErrZeroLiquidity
	}
	token0, token1 := s.Variant.Tokens()
	r0, r1 := s.Variant.Reserves()

	var own, other *big.Rat
	var otherToken common.Address
	switch quote {
	case token0:
		own, other, otherToken = r0, r1, token1
	case token1:
		own, other, otherToken = r1, r0, token0
	default:
		return nil, ErrUnknownToken
	}
	if own.Sign() == 0 && other.Sign() == 0 {
		return new(big.Rat), nil
	}

	price, err := s.Variant.Price(otherToken)
	if err != nil {
		return nil, err
	}
	tvl := new(big.Rat).Mul(other, price)
	return tvl.Add(tvl, own), nil
}

// Key identifies this version for quote auditing.
func (s PoolState) Key(run uint64) model.PoolKey {
	return model.PoolKey{Pool: s.Address, Run: run, Batch: s.Batch, UpdateNonce: s.UpdateNonce}
}

func checkToken(token, token0, token1 common.Address) error {
	if token != token0 && token != token1 {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
