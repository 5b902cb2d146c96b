package dex

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"

	"dexPricing/internal/chain"
	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
)

// StateLoaderConfig controls retries of state calls.
type StateLoaderConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// StateLoader reads pool state from chain with eth_call at a past block.
type StateLoader struct {
	cfg    StateLoaderConfig
	caller ethereum.ContractCaller
	logger *zap.Logger
}

func NewStateLoader(cfg StateLoaderConfig, caller ethereum.ContractCaller, logger *zap.Logger) *StateLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateLoader{cfg: cfg, caller: caller, logger: logger}
}

// LoadPoolState returns the pool's state as of the end of block.
func (l *StateLoader) LoadPoolState(ctx context.Context, info model.PoolInfo, block uint64) (protocols.State, error) {
	if l.caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	if _, err := poolABIFor(info.Protocol); err != nil {
		return nil, err
	}
	var state protocols.State
	err := chain.WithRetry(ctx, l.cfg.MaxRetries, l.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		state, err = l.load(ctx, info, new(big.Int).SetUint64(block))
		if err != nil {
			l.logger.Debug("pool state call failed",
				zap.String("pool", info.Address.Hex()),
				zap.Uint64("block", block),
				zap.Error(err),
			)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load %s state at %d: %w", info.Address.Hex(), block, err)
	}
	return state, nil
}

func (l *StateLoader) load(ctx context.Context, info model.PoolInfo, block *big.Int) (protocols.State, error) {
	switch info.Protocol {
	case model.ProtocolUniswapV2:
		return l.loadV2(ctx, info, block)
	case model.ProtocolUniswapV3:
		return l.loadV3(ctx, info, block)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, info.Protocol)
	}
}

func (l *StateLoader) loadV2(ctx context.Context, info model.PoolInfo, block *big.Int) (protocols.State, error) {
	pairABI, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	values, err := callPoolMethod(ctx, l.caller, info.Address, pairABI, "getReserves", block)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected getReserves values: %d", len(values))
	}
	reserve0, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("reserve0: %w", err)
	}
	reserve1, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("reserve1: %w", err)
	}
	return protocols.NewUniswapV2(info.Token0, info.Token1, reserve0, reserve1), nil
}

func (l *StateLoader) loadV3(ctx context.Context, info model.PoolInfo, block *big.Int) (protocols.State, error) {
	poolABI, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}

	values, err := callPoolMethod(ctx, l.caller, info.Address, poolABI, "slot0", block)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("unexpected slot0 values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("sqrt price: %w", err)
	}
	tickInt, err := asBigInt(values[1])
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}

	values, err = callPoolMethod(ctx, l.caller, info.Address, poolABI, "liquidity", block)
	if err != nil {
		return nil, err
	}
	liquidity, err := asBigInt(values[0])
	if err != nil {
		return nil, fmt.Errorf("liquidity: %w", err)
	}

	return protocols.NewUniswapV3(info.Token0, info.Token1, sqrtPrice, liquidity, tick), nil
}
