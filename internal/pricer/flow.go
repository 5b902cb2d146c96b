package pricer

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dexPricing/internal/model"
	"dexPricing/internal/protocols"
	"dexPricing/internal/storage"
	"dexPricing/internal/subgraph"
	"dexPricing/internal/tasks"
)

// persistBlock tags background writes so they never gate a block.
const persistBlock = ^uint64(0)

// ensurePair starts verification for a pair that has no subgraph yet.
func (p *Pricer) ensurePair(pair model.Pair, block uint64) {
	canonical := pair.Ordered()
	if p.registry.HasSubgraph(canonical) {
		return
	}
	if _, ok := p.verifier.Entry(canonical); ok {
		return
	}
	if _, ok := p.noPath[canonical]; ok {
		return
	}
	entry, _ := p.verifier.Begin(canonical, block, subgraph.Loading)
	p.derive(entry, p.store != nil)
}

// recreate evicts pair and derives it again from scratch at block.
func (p *Pricer) recreate(pair model.Pair, block uint64, reason string) {
	canonical := pair.Ordered()
	p.registry.RemoveSubgraph(canonical)
	entry, ok := p.verifier.Begin(canonical, block, subgraph.Recreating)
	if !ok {
		return
	}
	p.logger.Debug("recreating subgraph",
		zap.Stringer("pair", canonical),
		zap.Uint64("block", block),
		zap.String("reason", reason),
	)
	if err := p.verifier.Transition(canonical, subgraph.Loading); err != nil {
		p.logger.Warn("recreate transition", zap.Error(err))
		p.verifier.Finish(canonical)
		return
	}
	p.derive(entry, false)
}

func (p *Pricer) derive(entry *subgraph.Entry, warm bool) {
	pair, block := entry.Pair, entry.Block
	ignore := make(map[common.Address]struct{}, len(entry.Ignore))
	for addr := range entry.Ignore {
		ignore[addr] = struct{}{}
	}
	g, store, logger := p.graph, p.store, p.logger
	params := subgraph.DeriveParams{MaxHops: p.cfg.MaxHops, MaxPaths: p.cfg.MaxPaths, Ignore: ignore}

	p.tasks.Add(tasks.Info{Block: block, Kind: tasks.KindDerivation, Pair: pair}, func(ctx context.Context) (taskOutput, error) {
		if warm {
			saved, edges, err := store.TryLoadPairBefore(ctx, block, pair)
			switch {
			case err == nil:
				if saved == pair.Flip() {
					edges = subgraph.FlipEdges(edges)
				}
				if edges = subgraph.FilterEdges(g, edges, block); len(edges) > 0 {
					return taskOutput{edges: edges, warm: true}, nil
				}
			case !errors.Is(err, storage.ErrNotFound):
				logger.Warn("warm start load failed", zap.Stringer("pair", pair), zap.Error(err))
			}
		}
		return taskOutput{edges: subgraph.Derive(g, pair, block, params)}, nil
	})
}

func (p *Pricer) onDerived(res tasks.Result[taskOutput]) {
	entry, ok := p.verifier.Entry(res.Info.Pair)
	if !ok || entry.State != subgraph.Loading {
		return
	}
	if res.Err != nil {
		p.logger.Warn("derivation failed", zap.Stringer("pair", entry.Pair), zap.Error(res.Err))
	}

	candidate, err := p.newCandidate(entry.Pair, res.Value.edges)
	if err != nil {
		switch {
		case len(entry.History) > 0 && !entry.RanRundown:
			p.rundown(entry)
		case entry.Candidate != nil:
			// a requery found nothing new; settle on the last candidate so a
			// failing verdict parks it instead of requerying again
			entry.Attempts = p.cfg.MaxRequery
			p.await(entry, entry.Candidate)
		default:
			p.markNoPath(entry)
		}
		return
	}
	p.logger.Debug("subgraph derived",
		zap.Stringer("pair", entry.Pair),
		zap.Uint64("block", entry.Block),
		zap.Int("routes", len(candidate.Routes())),
		zap.Int("attempt", entry.Attempts),
		zap.Bool("warm", res.Value.warm),
	)
	p.await(entry, candidate)
}

// newCandidate builds an unverified subgraph whose liquidity is counted in the
// registry's unit for pair.
func (p *Pricer) newCandidate(pair model.Pair, edges []model.SubGraphEdge) (*subgraph.PairSubGraph, error) {
	candidate, err := subgraph.New(pair, edges, p.cfg.MaxHops)
	if err != nil {
		return nil, err
	}
	candidate.SetLiquidityUnit(p.registry.LiquidityUnit(pair))
	return candidate, nil
}

func (p *Pricer) markNoPath(entry *subgraph.Entry) {
	p.noPath[entry.Pair] = struct{}{}
	p.verifier.Finish(entry.Pair)
	p.metrics.Verifications.WithLabelValues("no_path").Inc()
	p.logger.Debug("no path for pair", zap.Stringer("pair", entry.Pair), zap.Uint64("block", entry.Block))
}

// await records candidate and verifies it once every pool state is present.
func (p *Pricer) await(entry *subgraph.Entry, candidate *subgraph.PairSubGraph) {
	missing := p.ensureStates(candidate.Pools(), entry.Block)
	p.verifier.SetCandidate(entry.Pair, candidate, missing)
	if len(missing) == 0 {
		p.verify(entry)
	}
}

// ensureStates starts loads for pools that will have no state at forBlock and
// returns the pools still outstanding.
func (p *Pricer) ensureStates(pools []common.Address, forBlock uint64) []common.Address {
	var missing []common.Address
	for _, addr := range pools {
		if p.registry.HasState(addr) || p.graph.IsDisabled(addr) {
			continue
		}
		if stagedBy(p.staged[addr], forBlock) {
			continue
		}
		missing = append(missing, addr)
		if inFlightBy(p.loading[addr], forBlock) {
			continue
		}
		p.loadState(addr, forBlock)
	}
	if len(missing) == 0 {
		return nil
	}
	// loads for pools created at forBlock finish synchronously
	out := missing[:0]
	for _, addr := range missing {
		if !stagedBy(p.staged[addr], forBlock) {
			out = append(out, addr)
		}
	}
	return out
}

func stagedBy(states map[uint64]protocols.PoolState, forBlock uint64) bool {
	for block := range states {
		if block <= forBlock {
			return true
		}
	}
	return false
}

func inFlightBy(loads map[uint64]bool, forBlock uint64) bool {
	for block := range loads {
		if block <= forBlock {
			return true
		}
	}
	return false
}

// loadState fetches addr as of the end of forBlock-1. Pools created at
// forBlock or later start empty.
func (p *Pricer) loadState(addr common.Address, forBlock uint64) {
	info, ok := p.graph.Pool(addr)
	if !ok {
		return
	}
	at := forBlock
	if at > 0 {
		at--
	}

	if inserted, _ := p.graph.InsertBlock(addr); inserted > 0 && inserted >= forBlock {
		variant, err := protocols.EmptyState(info)
		if err != nil {
			p.logger.Warn("empty state", zap.String("pool", addr.Hex()), zap.Error(err))
			p.graph.Disable(addr)
			return
		}
		p.stage(protocols.NewPoolState(addr, at, variant), forBlock)
		return
	}

	if p.loading[addr] == nil {
		p.loading[addr] = make(map[uint64]bool)
	}
	p.loading[addr][forBlock] = true

	loader, timeout := p.loader, p.cfg.FetchTimeout
	p.tasks.Add(tasks.Info{Block: forBlock, Kind: tasks.KindStateLoad, Pool: addr}, func(ctx context.Context) (taskOutput, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		state, err := loader.LoadPoolState(ctx, info, at)
		return taskOutput{state: state}, err
	})
}

func (p *Pricer) stage(state protocols.PoolState, forBlock uint64) {
	if p.staged[state.Address] == nil {
		p.staged[state.Address] = make(map[uint64]protocols.PoolState)
	}
	p.staged[state.Address][forBlock] = state
}

func (p *Pricer) onStateLoaded(res tasks.Result[taskOutput]) {
	addr, forBlock := res.Info.Pool, res.Info.Block
	delete(p.loading[addr], forBlock)

	if res.Err == nil && res.Value.state == nil {
		res.Err = errors.New("loader returned no state")
	}
	if res.Err != nil {
		p.metrics.StateLoadFailure.Inc()
		p.logger.Warn("pool state load failed",
			zap.String("pool", addr.Hex()),
			zap.Uint64("block", forBlock),
			zap.Error(res.Err),
		)
		p.loadFailed[addr] = true
	} else {
		at := forBlock
		if at > 0 {
			at--
		}
		p.stage(protocols.NewPoolState(addr, at, res.Value.state), forBlock)
	}

	if len(p.loading[addr]) > 0 {
		return
	}
	delete(p.loading, addr)

	if p.loadFailed[addr] && len(p.staged[addr]) == 0 {
		delete(p.loadFailed, addr)
		p.graph.Disable(addr)
		delete(p.attach, addr)
		for _, pair := range p.verifier.PoolFailed(addr) {
			if entry, ok := p.verifier.Entry(pair); ok && entry.Pending() == 0 && entry.State == subgraph.Loading {
				p.verify(entry)
			}
		}
		return
	}
	delete(p.loadFailed, addr)
	for _, pair := range p.verifier.PoolReady(addr) {
		if entry, ok := p.verifier.Entry(pair); ok && entry.State == subgraph.Loading {
			p.verify(entry)
		}
	}
}

// verify checks the entry's candidate against pool state as of the end of
// entry.Block-1. It waits until every earlier block has been finalized.
func (p *Pricer) verify(entry *subgraph.Entry) {
	if len(p.blocks) > 0 && p.blocks[0].block < entry.Block {
		p.deferred = append(p.deferred, entry.Pair)
		return
	}
	if err := p.verifier.Transition(entry.Pair, subgraph.Verifying); err != nil {
		p.logger.Warn("verify transition", zap.Stringer("pair", entry.Pair), zap.Error(err))
		return
	}

	candidate := entry.Candidate
	snapshot := p.snapshot(candidate.Pools(), entry.Block)
	minLiquidity := p.cfg.MinLiquidity
	kind := tasks.KindVerification
	if entry.RanRundown {
		kind = tasks.KindRundown
	}
	p.tasks.Add(tasks.Info{Block: entry.Block, Kind: kind, Pair: entry.Pair}, func(context.Context) (taskOutput, error) {
		verdict := candidate.Verify(func(addr common.Address) (protocols.PoolState, bool) {
			state, ok := snapshot[addr]
			return state, ok
		}, minLiquidity)
		return taskOutput{verdict: verdict, candidate: candidate}, nil
	})
}

// snapshot copies the states a verification task may read. PoolState values
// are immutable, so the copy is safe to hand to another goroutine.
func (p *Pricer) snapshot(pools []common.Address, forBlock uint64) map[common.Address]protocols.PoolState {
	out := make(map[common.Address]protocols.PoolState, len(pools))
	for _, addr := range pools {
		if state, ok := p.registry.Lookup(addr); ok {
			out[addr] = state
			continue
		}
		if state, ok := latestStaged(p.staged[addr], forBlock); ok {
			out[addr] = state
		}
	}
	return out
}

func latestStaged(states map[uint64]protocols.PoolState, forBlock uint64) (protocols.PoolState, bool) {
	var (
		best  protocols.PoolState
		found bool
		at    uint64
	)
	for block, state := range states {
		if block > forBlock {
			continue
		}
		if !found || block > at {
			best, at, found = state, block, true
		}
	}
	return best, found
}

func (p *Pricer) flushDeferred() {
	if len(p.deferred) == 0 {
		return
	}
	pairs := p.deferred
	p.deferred = nil
	for _, pair := range pairs {
		entry, ok := p.verifier.Entry(pair)
		if !ok || entry.Pending() > 0 {
			continue
		}
		if entry.State == subgraph.Loading || entry.State == subgraph.FrayedEnds {
			p.verify(entry)
		}
	}
}

func (p *Pricer) onVerified(res tasks.Result[taskOutput]) {
	entry, ok := p.verifier.Entry(res.Info.Pair)
	if !ok || entry.State != subgraph.Verifying || entry.Candidate != res.Value.candidate {
		return
	}
	verdict := res.Value.verdict
	if verdict.Verified() {
		candidate := entry.Candidate
		candidate.SetActive(verdict.Passing)
		p.verifier.Finish(entry.Pair)
		p.registry.InsertVerified(candidate)

		outcome := "verified"
		if res.Info.Kind == tasks.KindRundown {
			outcome = "rundown_verified"
		}
		p.metrics.Verifications.WithLabelValues(outcome).Inc()
		p.logger.Debug("subgraph verified",
			zap.Stringer("pair", entry.Pair),
			zap.Uint64("block", entry.Block),
			zap.Int("active_routes", len(verdict.Passing)),
			zap.Int("hops", candidate.ActiveHops()),
		)
		p.persist(entry.Block, candidate)
		return
	}

	if err := p.verifier.Transition(entry.Pair, subgraph.FrayedEnds); err != nil {
		p.logger.Warn("frayed transition", zap.Stringer("pair", entry.Pair), zap.Error(err))
		return
	}
	p.metrics.Verifications.WithLabelValues("frayed").Inc()
	for _, addr := range verdict.FailingPools {
		entry.Ignore[addr] = struct{}{}
	}
	for _, addr := range verdict.MissingPools {
		entry.Ignore[addr] = struct{}{}
	}
	p.logger.Debug("subgraph below liquidity threshold",
		zap.Stringer("pair", entry.Pair),
		zap.Uint64("block", entry.Block),
		zap.String("state", entry.State.String()),
		zap.Int("failing_pools", len(verdict.FailingPools)),
		zap.Int("missing_pools", len(verdict.MissingPools)),
		zap.Int("attempt", entry.Attempts),
	)

	switch {
	case entry.Attempts < p.cfg.MaxRequery:
		entry.Attempts++
		if err := p.verifier.Transition(entry.Pair, subgraph.Loading); err != nil {
			p.logger.Warn("requery transition", zap.Error(err))
			return
		}
		p.derive(entry, false)
	case !entry.RanRundown:
		p.rundown(entry)
	default:
		p.park(entry)
	}
}

// rundown verifies the union of every edge ever derived for the pair.
func (p *Pricer) rundown(entry *subgraph.Entry) {
	entry.RanRundown = true
	candidate, err := p.newCandidate(entry.Pair, entry.History)
	if err != nil {
		if entry.State == subgraph.FrayedEnds {
			p.park(entry)
			return
		}
		p.markNoPath(entry)
		return
	}
	if entry.State == subgraph.FrayedEnds {
		if err := p.verifier.Transition(entry.Pair, subgraph.Loading); err != nil {
			p.logger.Warn("rundown transition", zap.Error(err))
			return
		}
	}
	p.logger.Debug("running rundown", zap.Stringer("pair", entry.Pair), zap.Int("edges", len(entry.History)))
	p.await(entry, candidate)
}

func (p *Pricer) park(entry *subgraph.Entry) {
	if err := p.verifier.Park(entry.Pair); err != nil {
		p.logger.Warn("park", zap.Stringer("pair", entry.Pair), zap.Error(err))
		return
	}
	p.metrics.Verifications.WithLabelValues("parked").Inc()
	p.logger.Debug("subgraph parked", zap.Stringer("pair", entry.Pair), zap.Uint64("block", entry.Block))
}

// reverify retries a parked pair after one of its pools changed.
func (p *Pricer) reverify(pair model.Pair, block uint64) {
	entry, ok := p.verifier.Entry(pair)
	if !ok || !entry.Parked || entry.Candidate == nil {
		return
	}
	entry.Block = block
	p.verify(entry)
}

func (p *Pricer) persist(block uint64, candidate *subgraph.PairSubGraph) {
	if p.store == nil {
		return
	}
	store := p.store
	pair, edges := candidate.Pair(), candidate.Edges()
	p.tasks.Add(tasks.Info{Block: persistBlock, Kind: tasks.KindPersist, Pair: pair}, func(ctx context.Context) (taskOutput, error) {
		return taskOutput{}, store.SavePairAt(ctx, block, pair, edges)
	})
}

// commitStaged makes every state staged for block or earlier live, then
// attaches new pools waiting on them.
func (p *Pricer) commitStaged(block uint64) {
	var ready []common.Address
	for addr, states := range p.staged {
		blocks := make([]uint64, 0, len(states))
		for b := range states {
			if b <= block {
				blocks = append(blocks, b)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
		for _, b := range blocks {
			p.registry.SeedState(states[b])
			delete(states, b)
		}
		if len(states) == 0 {
			delete(p.staged, addr)
		}
		ready = append(ready, addr)
	}
	sort.Slice(ready, func(i, j int) bool { return model.CompareAddresses(ready[i], ready[j]) < 0 })
	for _, addr := range ready {
		p.attachPending(addr)
	}
}

func (p *Pricer) attachPending(addr common.Address) {
	pairs := p.attach[addr]
	if len(pairs) == 0 {
		return
	}
	delete(p.attach, addr)
	info, ok := p.graph.Pool(addr)
	if !ok {
		return
	}
	for _, pair := range pairs {
		if p.registry.AttachPool(pair, info) {
			p.logger.Debug("pool attached", zap.String("pool", addr.Hex()), zap.Stringer("pair", pair))
		}
	}
}
