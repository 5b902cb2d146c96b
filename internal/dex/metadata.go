package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

var (
	// ErrUnsupportedProtocol is returned for pools the loader or decoder cannot handle.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnsupportedEvent    = errors.New("unsupported event")
	// ErrUnknownPool is returned when a pool event arrives for a pool with no
	// known identity and no chain to look it up.
	ErrUnknownPool = errors.New("unknown pool")
)

// PoolDirectory caches pool identities by address.
type PoolDirectory struct {
	mu   sync.RWMutex
	data map[common.Address]model.PoolInfo
}

func NewPoolDirectory() *PoolDirectory {
	return &PoolDirectory{data: make(map[common.Address]model.PoolInfo)}
}

func (c *PoolDirectory) Get(address common.Address) (model.PoolInfo, bool) {
	c.mu.RLock()
	info, ok := c.data[address]
	c.mu.RUnlock()
	return info, ok
}

func (c *PoolDirectory) Set(info model.PoolInfo) {
	c.mu.Lock()
	c.data[info.Address] = info
	c.mu.Unlock()
}

func (c *PoolDirectory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func poolABIFor(protocol model.Protocol) (abi.ABI, error) {
	switch protocol {
	case model.ProtocolUniswapV2:
		return V2PairABI()
	case model.ProtocolUniswapV3:
		return V3PoolABI()
	default:
		return abi.ABI{}, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
}

// FetchPoolInfo reads a pool's tokens from chain. The creation block is not
// observable through a call, so it is left to the caller.
func FetchPoolInfo(ctx context.Context, caller ethereum.ContractCaller, pool common.Address, protocol model.Protocol) (model.PoolInfo, error) {
	if caller == nil {
		return model.PoolInfo{}, fmt.Errorf("contract caller is nil")
	}
	poolABI, err := poolABIFor(protocol)
	if err != nil {
		return model.PoolInfo{}, err
	}

	values, err := callPoolMethod(ctx, caller, pool, poolABI, "token0", nil)
	if err != nil {
		return model.PoolInfo{}, err
	}
	token0, err := asAddress(values[0])
	if err != nil {
		return model.PoolInfo{}, fmt.Errorf("token0: %w", err)
	}

	values, err = callPoolMethod(ctx, caller, pool, poolABI, "token1", nil)
	if err != nil {
		return model.PoolInfo{}, err
	}
	token1, err := asAddress(values[0])
	if err != nil {
		return model.PoolInfo{}, fmt.Errorf("token1: %w", err)
	}

	return model.PoolInfo{
		Address:  pool,
		Protocol: protocol,
		Token0:   token0,
		Token1:   token1,
	}, nil
}

func callPoolMethod(ctx context.Context, caller ethereum.ContractCaller, pool common.Address, poolABI abi.ABI, method string, block *big.Int) ([]interface{}, error) {
	data, err := poolABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := caller.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := poolABI.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return values, nil
}

func asAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case *common.Address:
		return *v, nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
