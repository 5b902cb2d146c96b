package protocols

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

// UniswapV2 is a constant-product reserve pair.
type UniswapV2 struct {
	token0   common.Address
	token1   common.Address
	reserve0 *big.Int
	reserve1 *big.Int
}

func NewUniswapV2(token0, token1 common.Address, reserve0, reserve1 *big.Int) UniswapV2 {
	return UniswapV2{
		token0:   token0,
		token1:   token1,
		reserve0: new(big.Int).Set(orZero(reserve0)),
		reserve1: new(big.Int).Set(orZero(reserve1)),
	}
}

func (UniswapV2) sealed() {}

func (p UniswapV2) Protocol() model.Protocol { return model.ProtocolUniswapV2 }

func (p UniswapV2) Tokens() (common.Address, common.Address) { return p.token0, p.token1 }

// ReserveAmounts returns copies of the raw reserves.
func (p UniswapV2) ReserveAmounts() (*big.Int, *big.Int) {
	return new(big.Int).Set(p.reserve0), new(big.Int).Set(p.reserve1)
}

func (p UniswapV2) Apply(action model.Action) (State, error) {
	switch action.Kind {
	case model.ActionSync:
		if action.Reserve0 == nil || action.Reserve1 == nil {
			return nil, fmt.Errorf("%w: sync without reserves", ErrUnsupportedAction)
		}
		if action.Reserve0.Sign() < 0 || action.Reserve1.Sign() < 0 {
			return nil, fmt.Errorf("%w: negative sync reserves", ErrArithmetic)
		}
		return NewUniswapV2(p.token0, p.token1, action.Reserve0, action.Reserve1), nil
	case model.ActionSwap, model.ActionMint, model.ActionBurn:
		r0 := new(big.Int).Add(p.reserve0, orZero(action.Amount0))
		r1 := new(big.Int).Add(p.reserve1, orZero(action.Amount1))
		if r0.Sign() < 0 || r1.Sign() < 0 {
			return nil, fmt.Errorf("%w: reserve underflow (%s, %s)", ErrArithmetic, r0, r1)
		}
		return UniswapV2{token0: p.token0, token1: p.token1, reserve0: r0, reserve1: r1}, nil
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action.Kind, p.Protocol())
	}
}

func (p UniswapV2) Price(base common.Address) (*big.Rat, error) {
	if err := checkToken(base, p.token0, p.token1); err != nil {
		return nil, err
	}
	if p.reserve0.Sign() == 0 || p.reserve1.Sign() == 0 {
		return nil, ErrZeroLiquidity
	}
	if base == p.token0 {
		return new(big.Rat).SetFrac(p.reserve1, p.reserve0), nil
	}
	return new(big.Rat).SetFrac(p.reserve0, p.reserve1), nil
}

func (p UniswapV2) Reserves() (*big.Rat, *big.Rat) {
	return new(big.Rat).SetInt(p.reserve0), new(big.Rat).SetInt(p.reserve1)
}
