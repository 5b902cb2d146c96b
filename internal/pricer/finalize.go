package pricer

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"dexPricing/internal/model"
	"dexPricing/internal/registry"
)

// drasticMovement is the largest fraction a pair may move within one block.
var drasticMovement = big.NewRat(99999, 100000)

// finalizeReady emits every buffered block that can no longer change: a later
// block has arrived (or input ended) and no task tagged at or before it is
// outstanding.
func (p *Pricer) finalizeReady(ctx context.Context, out chan<- *model.DexQuotes) error {
	for len(p.blocks) > 0 {
		buf := p.blocks[0]
		if !p.inputDone && p.lastBlock <= buf.block {
			return nil
		}
		if p.tasks.TasksThrough(buf.block) > 0 {
			return nil
		}

		quotes := p.finalize(buf)
		p.blocks[0] = nil
		p.blocks = p.blocks[1:]
		p.flushDeferred()
		p.extendPending()
		if quotes == nil {
			continue
		}
		select {
		case out <- quotes:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// finalize applies the block's updates in order and records the quotes of
// every requested pair after each transaction. It returns nil for blocks with
// pricing disabled.
func (p *Pricer) finalize(buf *blockBuffer) *model.DexQuotes {
	block, next := buf.block, buf.block+1
	p.commitStaged(block)

	quotes := model.NewDexQuotes(block)
	touched := make(map[common.Address]struct{})
	dropped := make(map[common.Address]struct{})
	for _, update := range buf.updates {
		addr := update.Action.Pool
		if _, ok := dropped[addr]; !ok && p.graph.Enable(addr) {
			p.resetNoPath()
		}

		pairs := p.requestedPairs(update)
		pre := make(map[model.Pair]registry.Quote, len(pairs))
		for _, pair := range pairs {
			if q, ok := p.registry.Quote(pair); ok {
				pre[pair] = q
			}
		}

		_, tracked, err := p.registry.UpdatePoolState(addr, update)
		switch {
		case err != nil:
			dropped[addr] = struct{}{}
			p.dropPool(addr, next, err)
		case tracked:
			touched[addr] = struct{}{}
		}

		for _, pair := range pairs {
			post, ok := p.registry.Quote(pair)
			if !ok {
				p.metrics.MissingQuotes.Inc()
				continue
			}
			preState := post.Price
			if q, ok := pre[pair]; ok {
				preState = q.Price
			}
			if existing, ok := quotes.PriceAt(pair, update.TxIndex); ok {
				preState = existing.PreState
			}
			quotes.Set(update.TxIndex, pair, model.DexPrices{
				PreState:  preState,
				PostState: post.Price,
				Liquidity: post.Liquidity,
				Keys:      post.Keys,
			})
		}
	}

	for _, addr := range sortedAddrs(touched) {
		for _, pair := range p.verifier.Touched(addr) {
			p.reverify(pair, next)
		}
		for _, pair := range p.registry.Audit(addr) {
			p.recreate(pair, next, "liquidity drained")
		}
	}

	if buf.skip {
		p.logger.Debug("pricing disabled for block", zap.Uint64("block", block))
		return nil
	}

	for _, pair := range drasticPairs(quotes) {
		quotes.Remove(pair)
		p.metrics.DrasticMoves.Inc()
		p.logger.Debug("drastic price move", zap.Stringer("pair", pair), zap.Uint64("block", block))
		p.recreate(pair, next, "drastic price move")
	}

	p.metrics.BlocksFinalized.Inc()
	p.metrics.QuotesEmitted.Add(float64(quotes.Len()))
	p.logger.Debug("block finalized",
		zap.Uint64("block", block),
		zap.Int("updates", len(buf.updates)),
		zap.Int("quotes", quotes.Len()),
	)
	return quotes
}

// dropPool disables a pool whose math failed and rebuilds every pair that used it.
func (p *Pricer) dropPool(addr common.Address, block uint64, cause error) {
	p.logger.Warn("dropping pool after failed update",
		zap.String("pool", addr.Hex()),
		zap.Uint64("block", block-1),
		zap.Error(cause),
	)
	p.metrics.PoolsDropped.Inc()
	p.graph.Disable(addr)
	for _, pair := range p.registry.DropPool(addr) {
		p.recreate(pair, block, "pool dropped")
	}
}

// drasticPairs lists pairs whose price moved by more than drasticMovement
// between the first pre-state and the last post-state of the block.
func drasticPairs(quotes *model.DexQuotes) []model.Pair {
	var out []model.Pair
	for _, pair := range quotes.Pairs() {
		var first, last *big.Rat
		for _, txQuotes := range quotes.Txs {
			prices, ok := txQuotes[pair]
			if !ok {
				continue
			}
			if first == nil {
				first = prices.PreState
			}
			last = prices.PostState
		}
		if movement, ok := blockMovement(first, last); ok && movement.Cmp(drasticMovement) > 0 {
			out = append(out, pair)
		}
	}
	return out
}

// blockMovement is (hi-lo)/hi. It reports false when either price is missing
// or the larger one is zero.
func blockMovement(a, b *big.Rat) (*big.Rat, bool) {
	if a == nil || b == nil {
		return nil, false
	}
	hi, lo := a, b
	if lo.Cmp(hi) > 0 {
		hi, lo = lo, hi
	}
	if hi.Sign() == 0 {
		return nil, false
	}
	movement := new(big.Rat).Sub(hi, lo)
	return movement.Quo(movement, hi), true
}

func sortedAddrs(set map[common.Address]struct{}) []common.Address {
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}
