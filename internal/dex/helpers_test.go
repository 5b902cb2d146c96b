package dex

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"dexPricing/internal/model"
)

// fakeCaller answers eth_calls from canned method outputs.
type fakeCaller struct {
	mu      sync.Mutex
	outputs map[common.Address]map[string][]byte
	fails   int
	calls   []*big.Int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{outputs: make(map[common.Address]map[string][]byte)}
}

func (f *fakeCaller) set(addr common.Address, parsed abi.ABI, method string, values ...interface{}) {
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", method, err))
	}
	if f.outputs[addr] == nil {
		f.outputs[addr] = make(map[string][]byte)
	}
	f.outputs[addr][string(parsed.Methods[method].ID)] = out
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, block)
	if f.fails > 0 {
		f.fails--
		return nil, fmt.Errorf("rpc unavailable")
	}
	out, ok := f.outputs[*msg.To][string(msg.Data[:4])]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	return out, nil
}

func buildLogRecord(emitter common.Address, topic0 common.Hash, data []byte, indexed []common.Hash) model.LogRecord {
	topics := make([]string, 0, len(indexed)+1)
	topics = append(topics, topic0.Hex())
	for _, topic := range indexed {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     1,
		BlockNumber: 12345,
		BlockHash:   "0xabc",
		TxHash:      "0xdef",
		TxIndex:     4,
		LogIndex:    1,
		Address:     emitter.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicFromInt24(value int32) common.Hash {
	bigVal := big.NewInt(int64(value))
	if value < 0 {
		bigVal = new(big.Int).Add(bigVal, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return common.BigToHash(bigVal)
}
