package dex

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"dexPricing/internal/model"
)

const (
	eventSync        = "Sync"
	eventInitialize  = "Initialize"
	eventSwap        = "Swap"
	eventMint        = "Mint"
	eventBurn        = "Burn"
	eventPairCreated = "PairCreated"
	eventPoolCreated = "PoolCreated"
)

// DecoderConfig configures decoder behavior.
type DecoderConfig struct {
	// Topic0Map adds topic0 aliases for supported event names, for forks that
	// emit the same layout under a different signature.
	Topic0Map map[string]string
	// Factories limits pool discovery to these emitters. Empty accepts any.
	Factories []common.Address
}

type eventSpec struct {
	name     string
	protocol model.Protocol
	event    abi.Event
}

// Decoder turns raw V2/V3 pool and factory logs into pricer messages.
type Decoder struct {
	events    map[common.Hash]eventSpec
	factories map[common.Address]struct{}
	pools     *PoolDirectory
	caller    ethereum.ContractCaller
	logger    *zap.Logger
}

// NewDecoder builds a decoder. pools is shared with whoever else learns pool
// identities; caller, when set, resolves pools the decoder has not seen created.
func NewDecoder(cfg DecoderConfig, pools *PoolDirectory, caller ethereum.ContractCaller, logger *zap.Logger) (*Decoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pools == nil {
		pools = NewPoolDirectory()
	}

	v2Pair, err := V2PairABI()
	if err != nil {
		return nil, fmt.Errorf("parse v2 pair abi: %w", err)
	}
	v3Pool, err := V3PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 pool abi: %w", err)
	}
	v2Factory, err := V2FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse v2 factory abi: %w", err)
	}
	v3Factory, err := V3FactoryABI()
	if err != nil {
		return nil, fmt.Errorf("parse v3 factory abi: %w", err)
	}

	byName := map[string]eventSpec{
		eventSync:        {name: eventSync, protocol: model.ProtocolUniswapV2, event: v2Pair.Events[eventSync]},
		eventInitialize:  {name: eventInitialize, protocol: model.ProtocolUniswapV3, event: v3Pool.Events[eventInitialize]},
		eventSwap:        {name: eventSwap, protocol: model.ProtocolUniswapV3, event: v3Pool.Events[eventSwap]},
		eventMint:        {name: eventMint, protocol: model.ProtocolUniswapV3, event: v3Pool.Events[eventMint]},
		eventBurn:        {name: eventBurn, protocol: model.ProtocolUniswapV3, event: v3Pool.Events[eventBurn]},
		eventPairCreated: {name: eventPairCreated, protocol: model.ProtocolUniswapV2, event: v2Factory.Events[eventPairCreated]},
		eventPoolCreated: {name: eventPoolCreated, protocol: model.ProtocolUniswapV3, event: v3Factory.Events[eventPoolCreated]},
	}

	events := make(map[common.Hash]eventSpec, len(byName)+len(cfg.Topic0Map))
	for _, spec := range byName {
		events[spec.event.ID] = spec
	}
	for topic0, name := range cfg.Topic0Map {
		spec, ok := byName[normalizeEventName(name)]
		if !ok {
			return nil, fmt.Errorf("unsupported event name in topic0 map: %s", name)
		}
		if topic0 == "" {
			continue
		}
		hash, err := parseTopicHash(topic0)
		if err != nil {
			return nil, fmt.Errorf("topic0 map: %w", err)
		}
		events[hash] = spec
	}

	factories := make(map[common.Address]struct{}, len(cfg.Factories))
	for _, factory := range cfg.Factories {
		factories[factory] = struct{}{}
	}

	return &Decoder{
		events:    events,
		factories: factories,
		pools:     pools,
		caller:    caller,
		logger:    logger,
	}, nil
}

// Topics lists every topic0 the decoder handles, for log filters.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.events))
	for hash := range d.events {
		out = append(out, hash)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func (d *Decoder) CanDecode(topic0 string) bool {
	hash, err := parseTopicHash(topic0)
	if err != nil {
		return false
	}
	_, ok := d.events[hash]
	return ok
}

// Decode converts one log into zero or more messages. Removed logs and
// creations by unlisted factories yield nothing. A pool event for a pool the
// decoder learns about from chain is preceded by its DiscoveredPool message.
func (d *Decoder) Decode(ctx context.Context, log model.LogRecord) ([]model.PriceMsg, error) {
	if log.Removed {
		return nil, nil
	}
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	topic0, err := parseTopicHash(log.Topics[0])
	if err != nil {
		return nil, err
	}
	spec, ok := d.events[topic0]
	if !ok {
		return nil, fmt.Errorf("%w: topic0 %s", ErrUnsupportedEvent, log.Topics[0])
	}
	if !common.IsHexAddress(log.Address) {
		return nil, fmt.Errorf("invalid emitter address: %s", log.Address)
	}
	emitter := common.HexToAddress(log.Address)

	switch spec.name {
	case eventPairCreated, eventPoolCreated:
		return d.decodeCreation(spec, emitter, log)
	default:
		return d.decodePoolEvent(ctx, spec, emitter, log)
	}
}

func (d *Decoder) decodeCreation(spec eventSpec, factory common.Address, log model.LogRecord) ([]model.PriceMsg, error) {
	if len(d.factories) > 0 {
		if _, ok := d.factories[factory]; !ok {
			d.logger.Debug("creation from unlisted factory skipped",
				zap.String("factory", factory.Hex()),
				zap.Uint64("block", log.BlockNumber),
			)
			return nil, nil
		}
	}

	var (
		info model.PoolInfo
		err  error
	)
	if spec.name == eventPairCreated {
		info, err = decodePairCreated(spec.event, log)
	} else {
		info, err = decodePoolCreated(spec.event, log)
	}
	if err != nil {
		return nil, err
	}
	info.CreatedBlock = log.BlockNumber
	d.pools.Set(info)
	return []model.PriceMsg{model.DiscoveredPoolMsg(info)}, nil
}

func (d *Decoder) decodePoolEvent(ctx context.Context, spec eventSpec, pool common.Address, log model.LogRecord) ([]model.PriceMsg, error) {
	var out []model.PriceMsg
	info, ok := d.pools.Get(pool)
	if !ok {
		fetched, err := d.resolvePool(ctx, pool, spec.protocol)
		if err != nil {
			return nil, err
		}
		info = fetched
		// the pool predates the stream, so it joins the graph at block zero
		out = append(out, model.PriceMsg{Kind: model.MsgDiscoveredPool, Pool: &fetched, Block: log.BlockNumber})
	}
	if info.Protocol != spec.protocol {
		return nil, fmt.Errorf("%w: %s event from %s pool %s", ErrUnsupportedProtocol, spec.name, info.Protocol, pool.Hex())
	}

	var (
		action model.Action
		err    error
	)
	switch spec.name {
	case eventSync:
		action, err = decodeSync(spec.event, log)
	case eventInitialize:
		action, err = decodeInitialize(spec.event, log)
	case eventSwap:
		action, err = decodeSwap(spec.event, log)
	case eventMint:
		action, err = decodeMint(spec.event, log)
	case eventBurn:
		action, err = decodeBurn(spec.event, log)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedEvent, spec.name)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", spec.name, err)
	}

	action.Protocol = info.Protocol
	action.Pool = info.Address
	action.Token0 = info.Token0
	action.Token1 = info.Token1

	out = append(out, model.UpdateMsg(model.PoolUpdate{
		Block:    log.BlockNumber,
		TxIndex:  log.TxIndex,
		LogIndex: log.LogIndex,
		Action:   action,
	}))
	return out, nil
}

func (d *Decoder) resolvePool(ctx context.Context, pool common.Address, protocol model.Protocol) (model.PoolInfo, error) {
	if d.caller == nil {
		return model.PoolInfo{}, fmt.Errorf("%w: %s", ErrUnknownPool, pool.Hex())
	}
	info, err := FetchPoolInfo(ctx, d.caller, pool, protocol)
	if err != nil {
		return model.PoolInfo{}, fmt.Errorf("resolve pool %s: %w", pool.Hex(), err)
	}
	d.pools.Set(info)
	d.logger.Debug("pool resolved from chain",
		zap.String("pool", pool.Hex()),
		zap.String("protocol", string(protocol)),
	)
	return info, nil
}

func normalizeEventName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sync":
		return eventSync
	case "initialize":
		return eventInitialize
	case "swap":
		return eventSwap
	case "mint":
		return eventMint
	case "burn":
		return eventBurn
	case "paircreated":
		return eventPairCreated
	case "poolcreated":
		return eventPoolCreated
	default:
		return ""
	}
}

func parseTopicHash(topic string) (common.Hash, error) {
	data, err := hexutil.Decode(topic)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid topic %q: %w", topic, err)
	}
	if len(data) > 32 {
		return common.Hash{}, fmt.Errorf("topic length %d", len(data))
	}
	return common.BytesToHash(data), nil
}
