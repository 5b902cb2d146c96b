package dex

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"dexPricing/internal/model"
)

func decodeSync(event abi.Event, log model.LogRecord) (model.Action, error) {
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Action{}, err
	}
	if len(values) != 2 {
		return model.Action{}, fmt.Errorf("unexpected sync values: %d", len(values))
	}
	reserve0, err := asBigInt(values[0])
	if err != nil {
		return model.Action{}, err
	}
	reserve1, err := asBigInt(values[1])
	if err != nil {
		return model.Action{}, err
	}
	return model.Action{Kind: model.ActionSync, Reserve0: reserve0, Reserve1: reserve1}, nil
}

func decodeInitialize(event abi.Event, log model.LogRecord) (model.Action, error) {
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Action{}, err
	}
	if len(values) != 2 {
		return model.Action{}, fmt.Errorf("unexpected initialize values: %d", len(values))
	}
	sqrtPrice, err := asBigInt(values[0])
	if err != nil {
		return model.Action{}, err
	}
	tickInt, err := asBigInt(values[1])
	if err != nil {
		return model.Action{}, err
	}
	tick, err := int24FromBig(tickInt)
	if err != nil {
		return model.Action{}, err
	}
	return model.Action{Kind: model.ActionInitialize, SqrtPriceX96: sqrtPrice, Tick: tick}, nil
}

// decodeSwap keeps the pool-side signs: positive amounts entered the pool.
func decodeSwap(event abi.Event, log model.LogRecord) (model.Action, error) {
	if _, err := parseIndexedTopics(event, log.Topics); err != nil {
		return model.Action{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Action{}, err
	}
	if len(values) != 5 {
		return model.Action{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}

	ints := make([]*big.Int, len(values))
	for i, value := range values {
		if ints[i], err = asBigInt(value); err != nil {
			return model.Action{}, err
		}
	}
	tick, err := int24FromBig(ints[4])
	if err != nil {
		return model.Action{}, err
	}

	return model.Action{
		Kind:         model.ActionSwap,
		Amount0:      ints[0],
		Amount1:      ints[1],
		SqrtPriceX96: ints[2],
		Liquidity:    ints[3],
		Tick:         tick,
	}, nil
}

type positionTopics struct {
	Owner     common.Address
	TickLower *big.Int
	TickUpper *big.Int
}

func parsePositionTopics(event abi.Event, topics []string) (int32, int32, error) {
	indexedTopics, err := parseIndexedTopics(event, topics)
	if err != nil {
		return 0, 0, err
	}
	var indexed positionTopics
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return 0, 0, fmt.Errorf("parse topics: %w", err)
	}
	lower, err := int24FromBig(indexed.TickLower)
	if err != nil {
		return 0, 0, err
	}
	upper, err := int24FromBig(indexed.TickUpper)
	if err != nil {
		return 0, 0, err
	}
	return lower, upper, nil
}

func decodeMint(event abi.Event, log model.LogRecord) (model.Action, error) {
	tickLower, tickUpper, err := parsePositionTopics(event, log.Topics)
	if err != nil {
		return model.Action{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Action{}, err
	}
	if len(values) != 4 {
		return model.Action{}, fmt.Errorf("unexpected mint values: %d", len(values))
	}

	// values[0] is the sender
	amount, err := asBigInt(values[1])
	if err != nil {
		return model.Action{}, err
	}
	amount0, err := asBigInt(values[2])
	if err != nil {
		return model.Action{}, err
	}
	amount1, err := asBigInt(values[3])
	if err != nil {
		return model.Action{}, err
	}

	return model.Action{
		Kind:      model.ActionMint,
		Amount0:   amount0,
		Amount1:   amount1,
		Liquidity: amount,
		TickLower: tickLower,
		TickUpper: tickUpper,
	}, nil
}

func decodeBurn(event abi.Event, log model.LogRecord) (model.Action, error) {
	tickLower, tickUpper, err := parsePositionTopics(event, log.Topics)
	if err != nil {
		return model.Action{}, err
	}
	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Action{}, err
	}
	if len(values) != 3 {
		return model.Action{}, fmt.Errorf("unexpected burn values: %d", len(values))
	}

	amount, err := asBigInt(values[0])
	if err != nil {
		return model.Action{}, err
	}
	amount0, err := asBigInt(values[1])
	if err != nil {
		return model.Action{}, err
	}
	amount1, err := asBigInt(values[2])
	if err != nil {
		return model.Action{}, err
	}

	return model.Action{
		Kind:      model.ActionBurn,
		Amount0:   amount0.Neg(amount0),
		Amount1:   amount1.Neg(amount1),
		Liquidity: amount,
		TickLower: tickLower,
		TickUpper: tickUpper,
	}, nil
}

func decodePairCreated(event abi.Event, log model.LogRecord) (model.PoolInfo, error) {
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.PoolInfo{}, err
	}
	var indexed struct {
		Token0 common.Address
		Token1 common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.PoolInfo{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.PoolInfo{}, err
	}
	if len(values) != 2 {
		return model.PoolInfo{}, fmt.Errorf("unexpected pair created values: %d", len(values))
	}
	pair, err := asAddress(values[0])
	if err != nil {
		return model.PoolInfo{}, err
	}

	return model.PoolInfo{
		Address:  pair,
		Protocol: model.ProtocolUniswapV2,
		Token0:   indexed.Token0,
		Token1:   indexed.Token1,
	}, nil
}

func decodePoolCreated(event abi.Event, log model.LogRecord) (model.PoolInfo, error) {
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.PoolInfo{}, err
	}
	var indexed struct {
		Token0 common.Address
		Token1 common.Address
		Fee    *big.Int
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.PoolInfo{}, fmt.Errorf("parse topics: %w", err)
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.PoolInfo{}, err
	}
	if len(values) != 2 {
		return model.PoolInfo{}, fmt.Errorf("unexpected pool created values: %d", len(values))
	}
	pool, err := asAddress(values[1])
	if err != nil {
		return model.PoolInfo{}, err
	}

	return model.PoolInfo{
		Address:  pool,
		Protocol: model.ProtocolUniswapV3,
		Token0:   indexed.Token0,
		Token1:   indexed.Token1,
	}, nil
}

func parseIndexedTopics(event abi.Event, topics []string) ([]common.Hash, error) {
	indexedCount := len(indexedArguments(event.Inputs))
	if len(topics) != indexedCount+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", indexedCount+1, len(topics))
	}
	out := make([]common.Hash, 0, indexedCount)
	for _, topic := range topics[1:] {
		hash, err := parseTopicHash(topic)
		if err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, nil
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func unpackNonIndexed(event abi.Event, dataHex string) ([]interface{}, error) {
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		return nil, fmt.Errorf("invalid data: %w", err)
	}
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	return values, nil
}
