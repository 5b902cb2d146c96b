// Package pricer turns an ordered stream of pool updates into per-transaction
// DEX quotes against a single quote asset.
//
// One coordinator goroutine owns the registry, the verification state machine
// and the per-block buffers. Derivation, state loading, verification and
// persistence run on the task manager and report back through its result
// channel.
package pricer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dexPricing/internal/graph"
	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
	"dexPricing/internal/registry"
	"dexPricing/internal/storage"
	"dexPricing/internal/subgraph"
	"dexPricing/internal/tasks"
)

const (
	defaultMaxPaths       = 8
	defaultMaxTasks       = 64
	defaultMaxBlocksAhead = 8
	defaultMaxRequery     = 2
)

// StateLoader fetches a pool's state as of the end of block.
type StateLoader interface {
	LoadPoolState(ctx context.Context, info model.PoolInfo, block uint64) (protocols.State, error)
}

// Config tunes a pricer run.
type Config struct {
	QuoteAsset common.Address
	RunID      uint64
	MaxHops    int
	MaxPaths   int
	// MinLiquidity is in raw units of QuoteAsset, whichever side of the
	// canonical pair it sorts to.
	MinLiquidity *big.Rat
	MaxTasks     int
	// MaxBlocksAhead bounds how many blocks may be buffered behind the one
	// waiting to be finalized.
	MaxBlocksAhead int
	MaxRequery     int
	FetchTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = subgraph.DefaultMaxHops
	}
	if c.MaxPaths <= 0 {
		c.MaxPaths = defaultMaxPaths
	}
	if c.MinLiquidity == nil {
		c.MinLiquidity = new(big.Rat)
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = defaultMaxTasks
	}
	if c.MaxBlocksAhead <= 0 {
		c.MaxBlocksAhead = defaultMaxBlocksAhead
	}
	if c.MaxRequery < 0 {
		c.MaxRequery = defaultMaxRequery
	}
	return c
}

// Deps are the pricer's collaborators. Store and Metrics are optional.
type Deps struct {
	Graph   *graph.AllPairGraph
	Loader  StateLoader
	Store   storage.SubgraphStore
	Metrics *Metrics
}

type taskOutput struct {
	edges     []model.SubGraphEdge
	warm      bool
	state     protocols.State
	verdict   subgraph.Verdict
	candidate *subgraph.PairSubGraph
}

type blockBuffer struct {
	block   uint64
	updates []model.PoolUpdate
	skip    bool
	// discovered pools wait here until every earlier block is finalized.
	discovered []model.PoolInfo
}

// Pricer is the batch pricing coordinator. Run may be called once.
type Pricer struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	graph    *graph.AllPairGraph
	registry *registry.Registry
	verifier *subgraph.Verifier
	loader   StateLoader
	store    storage.SubgraphStore
	tasks    *tasks.Manager[taskOutput]

	blocks    []*blockBuffer
	lastBlock uint64
	seenInput bool
	inputDone bool

	// staged holds loaded pool states keyed by the block they become live at.
	staged map[common.Address]map[uint64]protocols.PoolState
	// loading holds in-flight loads, keyed the same way.
	loading map[common.Address]map[uint64]bool
	// loadFailed records pools with a failed load among the in-flight set.
	loadFailed map[common.Address]bool
	attach     map[common.Address][]model.Pair
	noPath     map[model.Pair]struct{}
	deferred   []model.Pair
}

func New(cfg Config, deps Deps, logger *zap.Logger) (*Pricer, error) {
	if cfg.QuoteAsset == (common.Address{}) {
		return nil, errors.New("quote asset is required")
	}
	if deps.Graph == nil {
		return nil, errors.New("graph is nil")
	}
	if deps.Loader == nil {
		return nil, errors.New("state loader is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	cfg = cfg.withDefaults()

	return &Pricer{
		cfg:     cfg,
		logger:  logger,
		metrics: deps.Metrics,
		graph:   deps.Graph,
		registry: registry.New(registry.Config{
			RunID:        cfg.RunID,
			MinLiquidity: cfg.MinLiquidity,
			MaxHops:      cfg.MaxHops,
			QuoteAsset:   cfg.QuoteAsset,
		}, logger.Named("registry")),
		verifier:   subgraph.NewVerifier(),
		loader:     deps.Loader,
		store:      deps.Store,
		staged:     make(map[common.Address]map[uint64]protocols.PoolState),
		loading:    make(map[common.Address]map[uint64]bool),
		loadFailed: make(map[common.Address]bool),
		attach:     make(map[common.Address][]model.Pair),
		noPath:     make(map[model.Pair]struct{}),
	}, nil
}

// Registry exposes the subgraph registry. It must not be used while Run is active.
func (p *Pricer) Registry() *registry.Registry { return p.registry }

// Run consumes in until it is closed and every buffered block is finalized,
// sending one DexQuotes per priced block on out. out is closed on return.
func (p *Pricer) Run(ctx context.Context, in <-chan model.PriceMsg, out chan<- *model.DexQuotes) error {
	defer close(out)
	if p.tasks != nil {
		return errors.New("pricer already ran")
	}
	p.tasks = tasks.NewManager[taskOutput](ctx, p.cfg.MaxTasks, p.logger.Named("tasks"))
	defer p.tasks.Close()

	p.logger.Info("pricer started",
		zap.String("quote_asset", p.cfg.QuoteAsset.Hex()),
		zap.Int("max_hops", p.cfg.MaxHops),
		zap.String("min_liquidity", p.cfg.MinLiquidity.RatString()),
		zap.Int("graph_pools", p.graph.PoolCount()),
	)

	for {
		if err := p.finalizeReady(ctx, out); err != nil {
			return err
		}
		if p.inputDone && len(p.blocks) == 0 && p.tasks.Pending() == 0 {
			p.logger.Info("pricer finished",
				zap.Int("subgraphs", p.registry.Len()),
				zap.Int("tracked_pools", p.registry.PoolCount()),
				zap.Int("unresolved", p.verifier.Len()),
			)
			return nil
		}

		var input <-chan model.PriceMsg
		if !p.inputDone && len(p.blocks) <= p.cfg.MaxBlocksAhead {
			input = in
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-input:
			if !ok {
				p.inputDone = true
				continue
			}
			p.handleMessage(msg)
		case res := <-p.tasks.Results():
			p.handleResult(res)
			p.tasks.Complete(res)
		}
		p.metrics.PendingTasks.Set(float64(p.tasks.Pending()))
		p.metrics.BufferedBlocks.Set(float64(len(p.blocks)))
	}
}

func (p *Pricer) handleMessage(msg model.PriceMsg) {
	if p.seenInput && msg.Block < p.lastBlock {
		p.logger.Warn("out of order message dropped",
			zap.Uint64("block", msg.Block),
			zap.Uint64("last_block", p.lastBlock),
			zap.String("kind", string(msg.Kind)),
		)
		return
	}
	p.seenInput = true
	p.lastBlock = msg.Block
	buf := p.openBlock(msg.Block)

	switch msg.Kind {
	case model.MsgDisablePricing:
		buf.skip = true
	case model.MsgDiscoveredPool:
		if msg.Pool == nil {
			return
		}
		p.discoverPool(buf, *msg.Pool)
	case model.MsgUpdate:
		if msg.Update == nil {
			return
		}
		buf.updates = append(buf.updates, *msg.Update)
		for _, pair := range p.requestedPairs(*msg.Update) {
			p.ensurePair(pair, msg.Block)
		}
	default:
		p.logger.Warn("unknown message kind", zap.String("kind", string(msg.Kind)), zap.Uint64("block", msg.Block))
	}
}

func (p *Pricer) openBlock(block uint64) *blockBuffer {
	if n := len(p.blocks); n > 0 && p.blocks[n-1].block == block {
		return p.blocks[n-1]
	}
	buf := &blockBuffer{block: block}
	p.blocks = append(p.blocks, buf)
	return buf
}

// requestedPairs prices both pool tokens against the quote asset.
func (p *Pricer) requestedPairs(update model.PoolUpdate) []model.Pair {
	token0, token1 := update.Action.Token0, update.Action.Token1
	if info, ok := p.graph.Pool(update.Action.Pool); ok {
		token0, token1 = info.Token0, info.Token1
	}
	var pairs []model.Pair
	for _, token := range []common.Address{token0, token1} {
		if token == (common.Address{}) || token == p.cfg.QuoteAsset {
			continue
		}
		pairs = append(pairs, model.NewPair(token, p.cfg.QuoteAsset))
	}
	return pairs
}

// discoverPool adds a pool at its creation block. Pools announced with no
// creation block predate the stream and are loaded from chain like any other.
// Cached subgraphs only see the pool once every earlier block is finalized.
func (p *Pricer) discoverPool(buf *blockBuffer, info model.PoolInfo) {
	if !p.graph.InsertPool(info, info.CreatedBlock) {
		return
	}
	p.logger.Debug("pool discovered",
		zap.String("pool", info.Address.Hex()),
		zap.String("protocol", string(info.Protocol)),
		zap.Uint64("block", buf.block),
	)
	p.resetNoPath()

	if p.blocks[0] != buf {
		buf.discovered = append(buf.discovered, info)
		return
	}
	p.extendWith(info, buf.block)
}

// extendPending applies pools discovered in the new head block.
func (p *Pricer) extendPending() {
	if len(p.blocks) == 0 {
		return
	}
	head := p.blocks[0]
	pending := head.discovered
	head.discovered = nil
	for _, info := range pending {
		p.extendWith(info, head.block)
	}
}

// extendWith attaches a new pool to cached subgraphs, recreates those it
// shortens and retries parked pairs that share a token with it.
func (p *Pricer) extendWith(info model.PoolInfo, block uint64) {
	ext := p.registry.CheckNewPool(info)
	for _, pair := range ext.Recreate {
		p.recreate(pair, block, "shorter route")
	}
	if len(ext.Attach) > 0 {
		p.attach[info.Address] = append(p.attach[info.Address], ext.Attach...)
		if p.registry.HasState(info.Address) {
			p.attachPending(info.Address)
		} else {
			p.ensureStates([]common.Address{info.Address}, block)
		}
	}

	seen := make(map[model.Pair]struct{})
	for _, token := range []common.Address{info.Token0, info.Token1} {
		for _, pair := range p.verifier.ParkedWith(token) {
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			p.verifier.Finish(pair)
			p.recreate(pair, block, "new pool for parked pair")
		}
	}
}

func (p *Pricer) resetNoPath() {
	if len(p.noPath) > 0 {
		p.noPath = make(map[model.Pair]struct{})
	}
}

func (p *Pricer) handleResult(res tasks.Result[taskOutput]) {
	p.metrics.TaskDuration.WithLabelValues(res.Info.Kind.String()).Observe(res.Elapsed.Seconds())
	switch res.Info.Kind {
	case tasks.KindDerivation:
		p.onDerived(res)
	case tasks.KindStateLoad:
		p.onStateLoaded(res)
	case tasks.KindVerification, tasks.KindRundown:
		p.onVerified(res)
	case tasks.KindPersist:
		if res.Err != nil {
			p.logger.Warn("persist subgraph failed", zap.Stringer("pair", res.Info.Pair), zap.Error(res.Err))
		}
	default:
		p.logger.Warn("unexpected task result", zap.Stringer("kind", res.Info.Kind))
	}
}
