package protocols

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

var q96 = new(big.Int).Lsh(big.NewInt(1), 96)

// UniswapV3 tracks the active price and in-range liquidity of a concentrated liquidity pool.
type UniswapV3 struct {
	token0       common.Address
	token1       common.Address
	sqrtPriceX96 *big.Int
	liquidity    *big.Int
	tick         int32
}

func NewUniswapV3(token0, token1 common.Address, sqrtPriceX96, liquidity *big.Int, tick int32) UniswapV3 {
	return UniswapV3{
		token0:       token0,
		token1:       token1,
		sqrtPriceX96: new(big.Int).Set(orZero(sqrtPriceX96)),
		liquidity:    new(big.Int).Set(orZero(liquidity)),
		tick:         tick,
	}
}

func (UniswapV3) sealed() {}

func (p UniswapV3) Protocol() model.Protocol { return model.ProtocolUniswapV3 }

func (p UniswapV3) Tokens() (common.Address, common.Address) { return p.token0, p.token1 }

func (p UniswapV3) Tick() int32 { return p.tick }

func (p UniswapV3) Liquidity() *big.Int { return new(big.Int).Set(p.liquidity) }

func (p UniswapV3) Apply(action model.Action) (State, error) {
	next := UniswapV3{
		token0:       p.token0,
		token1:       p.token1,
		sqrtPriceX96: p.sqrtPriceX96,
		liquidity:    p.liquidity,
		tick:         p.tick,
	}

	switch action.Kind {
	case model.ActionInitialize:
		if action.SqrtPriceX96 == nil || action.SqrtPriceX96.Sign() <= 0 {
			return nil, fmt.Errorf("%w: initialize without price", ErrUnsupportedAction)
		}
		next.sqrtPriceX96 = new(big.Int).Set(action.SqrtPriceX96)
		next.tick = action.Tick
	case model.ActionSwap:
		if action.SqrtPriceX96 == nil || action.Liquidity == nil {
			return nil, fmt.Errorf("%w: swap without price or liquidity", ErrUnsupportedAction)
		}
		if action.SqrtPriceX96.Sign() <= 0 || action.Liquidity.Sign() < 0 {
			return nil, fmt.Errorf("%w: invalid swap state", ErrArithmetic)
		}
		next.sqrtPriceX96 = new(big.Int).Set(action.SqrtPriceX96)
		next.liquidity = new(big.Int).Set(action.Liquidity)
		next.tick = action.Tick
	case model.ActionMint, model.ActionBurn:
		if action.Liquidity == nil || action.Liquidity.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s without liquidity amount", ErrUnsupportedAction, action.Kind)
		}
		if action.TickLower > p.tick || p.tick >= action.TickUpper {
			// out-of-range positions do not move active liquidity
			return next, nil
		}
		delta := action.Liquidity
		if action.Kind == model.ActionBurn {
			delta = new(big.Int).Neg(delta)
		}
		liquidity := new(big.Int).Add(p.liquidity, delta)
		if liquidity.Sign() < 0 {
			return nil, fmt.Errorf("%w: liquidity underflow %s", ErrArithmetic, liquidity)
		}
		next.liquidity = liquidity
	default:
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action.Kind, p.Protocol())
	}

	return next, nil
}

func (p UniswapV3) Price(base common.Address) (*big.Rat, error) {
	if err := checkToken(base, p.token0, p.token1); err != nil {
		return nil, err
	}
	if p.sqrtPriceX96.Sign() == 0 {
		return nil, ErrZeroLiquidity
	}
	num := new(big.Int).Mul(p.sqrtPriceX96, p.sqrtPriceX96)
	den := new(big.Int).Mul(q96, q96)
	price := new(big.Rat).SetFrac(num, den)
	if base == p.token1 {
		price.Inv(price)
	}
	return price, nil
}

// Reserves returns the virtual reserves L/sqrtP and L*sqrtP of the active range.
func (p UniswapV3) Reserves() (*big.Rat, *big.Rat) {
	if p.liquidity.Sign() == 0 || p.sqrtPriceX96.Sign() == 0 {
		return new(big.Rat), new(big.Rat)
	}
	x := new(big.Rat).SetFrac(new(big.Int).Mul(p.liquidity, q96), p.sqrtPriceX96)
	y := new(big.Rat).SetFrac(new(big.Int).Mul(p.liquidity, p.sqrtPriceX96), q96)
	return x, y
}
