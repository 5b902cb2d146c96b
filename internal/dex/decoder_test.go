package dex

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dexPricing/internal/model"
)

var (
	token0 = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	token1 = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func newTestDecoder(t *testing.T, cfg DecoderConfig, pools ...model.PoolInfo) *Decoder {
	t.Helper()
	dir := NewPoolDirectory()
	for _, pool := range pools {
		dir.Set(pool)
	}
	decoder, err := NewDecoder(cfg, dir, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return decoder
}

func singleUpdate(t *testing.T, msgs []model.PriceMsg) model.PoolUpdate {
	t.Helper()
	if len(msgs) != 1 || msgs[0].Kind != model.MsgUpdate || msgs[0].Update == nil {
		t.Fatalf("expected one update, got %+v", msgs)
	}
	return *msgs[0].Update
}

func TestDecodeV3Swap(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	pool := model.PoolInfo{
		Address:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Protocol: model.ProtocolUniswapV3,
		Token0:   token0,
		Token1:   token1,
	}
	decoder := newTestDecoder(t, DecoderConfig{}, pool)

	data, err := poolABI.Events["Swap"].Inputs.NonIndexed().Pack(
		big.NewInt(-1000),
		big.NewInt(2000),
		big.NewInt(123456789),
		big.NewInt(987654321),
		big.NewInt(-15),
	)
	if err != nil {
		t.Fatalf("pack swap: %v", err)
	}

	log := buildLogRecord(pool.Address, poolABI.Events["Swap"].ID, data, []common.Hash{
		topicFromAddress(common.HexToAddress("0x2222222222222222222222222222222222222222")),
		topicFromAddress(common.HexToAddress("0x3333333333333333333333333333333333333333")),
	})

	msgs, err := decoder.Decode(context.Background(), log)
	if err != nil {
		t.Fatalf("decode swap: %v", err)
	}
	update := singleUpdate(t, msgs)
	if update.Block != 12345 || update.TxIndex != 4 || update.LogIndex != 1 {
		t.Fatalf("position mismatch: %+v", update)
	}

	action := update.Action
	if action.Kind != model.ActionSwap || action.Protocol != model.ProtocolUniswapV3 {
		t.Fatalf("kind mismatch: %+v", action)
	}
	if action.Amount0.Int64() != -1000 || action.Amount1.Int64() != 2000 {
		t.Fatalf("amounts mismatch: %s %s", action.Amount0, action.Amount1)
	}
	if action.SqrtPriceX96.Int64() != 123456789 || action.Liquidity.Int64() != 987654321 {
		t.Fatalf("price state mismatch: %+v", action)
	}
	if action.Tick != -15 {
		t.Fatalf("tick mismatch: %d", action.Tick)
	}
	if action.Pool != pool.Address || action.Token0 != token0 || action.Token1 != token1 {
		t.Fatalf("pool identity mismatch: %+v", action)
	}
}

func TestDecodeV3MintBurnInitialize(t *testing.T) {
	poolABI, err := V3PoolABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	pool := model.PoolInfo{
		Address:  common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Protocol: model.ProtocolUniswapV3,
		Token0:   token0,
		Token1:   token1,
	}
	decoder := newTestDecoder(t, DecoderConfig{}, pool)
	owner := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")

	mintData, err := poolABI.Events["Mint"].Inputs.NonIndexed().Pack(
		owner,
		big.NewInt(5000),
		big.NewInt(100),
		big.NewInt(200),
	)
	if err != nil {
		t.Fatalf("pack mint: %v", err)
	}
	mintLog := buildLogRecord(pool.Address, poolABI.Events["Mint"].ID, mintData, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-120),
		topicFromInt24(120),
	})

	msgs, err := decoder.Decode(context.Background(), mintLog)
	if err != nil {
		t.Fatalf("decode mint: %v", err)
	}
	mint := singleUpdate(t, msgs).Action
	if mint.Kind != model.ActionMint || mint.TickLower != -120 || mint.TickUpper != 120 {
		t.Fatalf("mint mismatch: %+v", mint)
	}
	if mint.Liquidity.Int64() != 5000 || mint.Amount0.Int64() != 100 || mint.Amount1.Int64() != 200 {
		t.Fatalf("mint amounts mismatch: %+v", mint)
	}

	burnData, err := poolABI.Events["Burn"].Inputs.NonIndexed().Pack(
		big.NewInt(7000),
		big.NewInt(300),
		big.NewInt(400),
	)
	if err != nil {
		t.Fatalf("pack burn: %v", err)
	}
	burnLog := buildLogRecord(pool.Address, poolABI.Events["Burn"].ID, burnData, []common.Hash{
		topicFromAddress(owner),
		topicFromInt24(-60),
		topicFromInt24(60),
	})

	msgs, err = decoder.Decode(context.Background(), burnLog)
	if err != nil {
		t.Fatalf("decode burn: %v", err)
	}
	burn := singleUpdate(t, msgs).Action
	if burn.Kind != model.ActionBurn || burn.Liquidity.Int64() != 7000 {
		t.Fatalf("burn mismatch: %+v", burn)
	}
	if burn.Amount0.Int64() != -300 || burn.Amount1.Int64() != -400 {
		t.Fatalf("burn amounts should leave the pool: %s %s", burn.Amount0, burn.Amount1)
	}

	initData, err := poolABI.Events["Initialize"].Inputs.NonIndexed().Pack(
		new(big.Int).Lsh(big.NewInt(1), 96),
		big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack initialize: %v", err)
	}
	msgs, err = decoder.Decode(context.Background(), buildLogRecord(pool.Address, poolABI.Events["Initialize"].ID, initData, nil))
	if err != nil {
		t.Fatalf("decode initialize: %v", err)
	}
	initialize := singleUpdate(t, msgs).Action
	if initialize.Kind != model.ActionInitialize || initialize.SqrtPriceX96.Cmp(new(big.Int).Lsh(big.NewInt(1), 96)) != 0 {
		t.Fatalf("initialize mismatch: %+v", initialize)
	}
}

func TestDecodeV2Sync(t *testing.T) {
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	pool := model.PoolInfo{
		Address:  common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Protocol: model.ProtocolUniswapV2,
		Token0:   token0,
		Token1:   token1,
	}
	decoder := newTestDecoder(t, DecoderConfig{}, pool)

	data, err := pairABI.Events["Sync"].Inputs.Pack(big.NewInt(10), big.NewInt(20))
	if err != nil {
		t.Fatalf("pack sync: %v", err)
	}
	msgs, err := decoder.Decode(context.Background(), buildLogRecord(pool.Address, pairABI.Events["Sync"].ID, data, nil))
	if err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	action := singleUpdate(t, msgs).Action
	if action.Kind != model.ActionSync || action.Reserve0.Int64() != 10 || action.Reserve1.Int64() != 20 {
		t.Fatalf("sync mismatch: %+v", action)
	}
}

func TestDecodeFactoryCreations(t *testing.T) {
	v2Factory, err := V2FactoryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	v3Factory, err := V3FactoryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}

	factoryV2 := common.HexToAddress("0x5555555555555555555555555555555555555555")
	factoryV3 := common.HexToAddress("0x6666666666666666666666666666666666666666")
	pair := common.HexToAddress("0x7777777777777777777777777777777777777777")
	pool := common.HexToAddress("0x8888888888888888888888888888888888888888")

	dir := NewPoolDirectory()
	decoder, err := NewDecoder(DecoderConfig{Factories: []common.Address{factoryV2, factoryV3}}, dir, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}

	pairData, err := v2Factory.Events["PairCreated"].Inputs.NonIndexed().Pack(pair, big.NewInt(1))
	if err != nil {
		t.Fatalf("pack pair created: %v", err)
	}
	msgs, err := decoder.Decode(context.Background(), buildLogRecord(factoryV2, v2Factory.Events["PairCreated"].ID, pairData, []common.Hash{
		topicFromAddress(token0),
		topicFromAddress(token1),
	}))
	if err != nil {
		t.Fatalf("decode pair created: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != model.MsgDiscoveredPool {
		t.Fatalf("expected discovered pool, got %+v", msgs)
	}
	want := model.PoolInfo{Address: pair, Protocol: model.ProtocolUniswapV2, Token0: token0, Token1: token1, CreatedBlock: 12345}
	if *msgs[0].Pool != want || msgs[0].Block != 12345 {
		t.Fatalf("pair created mismatch: %+v", msgs[0])
	}

	poolData, err := v3Factory.Events["PoolCreated"].Inputs.NonIndexed().Pack(big.NewInt(60), pool)
	if err != nil {
		t.Fatalf("pack pool created: %v", err)
	}
	poolLog := buildLogRecord(factoryV3, v3Factory.Events["PoolCreated"].ID, poolData, []common.Hash{
		topicFromAddress(token0),
		topicFromAddress(token1),
		common.BigToHash(big.NewInt(3000)),
	})
	msgs, err = decoder.Decode(context.Background(), poolLog)
	if err != nil {
		t.Fatalf("decode pool created: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Pool.Address != pool || msgs[0].Pool.Protocol != model.ProtocolUniswapV3 {
		t.Fatalf("pool created mismatch: %+v", msgs)
	}
	if _, ok := dir.Get(pool); !ok {
		t.Fatalf("created pool not cached")
	}

	// the same event from an unlisted factory is ignored
	poolLog.Address = "0x0000000000000000000000000000000000000001"
	msgs, err = decoder.Decode(context.Background(), poolLog)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected unlisted factory to be skipped, got %+v, %v", msgs, err)
	}
}

func TestDecodeResolvesUnknownPoolFromChain(t *testing.T) {
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")
	caller := newFakeCaller()
	caller.set(addr, pairABI, "token0", token0)
	caller.set(addr, pairABI, "token1", token1)

	decoder, err := NewDecoder(DecoderConfig{}, nil, caller, zap.NewNop())
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	data, err := pairABI.Events["Sync"].Inputs.Pack(big.NewInt(10), big.NewInt(20))
	if err != nil {
		t.Fatalf("pack sync: %v", err)
	}
	log := buildLogRecord(addr, pairABI.Events["Sync"].ID, data, nil)

	msgs, err := decoder.Decode(context.Background(), log)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Kind != model.MsgDiscoveredPool || msgs[1].Kind != model.MsgUpdate {
		t.Fatalf("expected discovery then update, got %+v", msgs)
	}
	if msgs[0].Pool.CreatedBlock != 0 || msgs[0].Block != 12345 || msgs[0].Pool.Token1 != token1 {
		t.Fatalf("discovery mismatch: %+v", msgs[0])
	}

	// second sighting comes from the directory
	msgs, err = decoder.Decode(context.Background(), log)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected a single update, got %+v, %v", msgs, err)
	}
}

func TestDecodeRejects(t *testing.T) {
	pairABI, err := V2PairABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	v3 := model.PoolInfo{
		Address:  common.HexToAddress("0x9999999999999999999999999999999999999999"),
		Protocol: model.ProtocolUniswapV3,
		Token0:   token0,
		Token1:   token1,
	}
	decoder := newTestDecoder(t, DecoderConfig{}, v3)
	data, err := pairABI.Events["Sync"].Inputs.Pack(big.NewInt(10), big.NewInt(20))
	if err != nil {
		t.Fatalf("pack sync: %v", err)
	}

	_, err = decoder.Decode(context.Background(), buildLogRecord(v3.Address, pairABI.Events["Sync"].ID, data, nil))
	if !errors.Is(err, ErrUnsupportedProtocol) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}

	unknown := common.HexToAddress("0x1234000000000000000000000000000000000000")
	_, err = decoder.Decode(context.Background(), buildLogRecord(unknown, pairABI.Events["Sync"].ID, data, nil))
	if !errors.Is(err, ErrUnknownPool) {
		t.Fatalf("expected unknown pool, got %v", err)
	}

	_, err = decoder.Decode(context.Background(), buildLogRecord(v3.Address, common.HexToHash("0x01"), data, nil))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected unsupported event, got %v", err)
	}

	removed := buildLogRecord(v3.Address, common.HexToHash("0x01"), data, nil)
	removed.Removed = true
	if msgs, err := decoder.Decode(context.Background(), removed); err != nil || msgs != nil {
		t.Fatalf("removed logs should be skipped, got %+v, %v", msgs, err)
	}
}

func TestDecoderTopicAliases(t *testing.T) {
	alias := "0x00000000000000000000000000000000000000000000000000000000000000ff"
	decoder := newTestDecoder(t, DecoderConfig{Topic0Map: map[string]string{alias: " sync "}})
	if !decoder.CanDecode(alias) {
		t.Fatalf("alias not registered")
	}
	if len(decoder.Topics()) != 8 {
		t.Fatalf("expected 8 topics, got %d", len(decoder.Topics()))
	}

	if _, err := NewDecoder(DecoderConfig{Topic0Map: map[string]string{alias: "collect"}}, nil, nil, nil); err == nil {
		t.Fatalf("expected unsupported alias to fail")
	}
}
