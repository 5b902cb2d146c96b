package model

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// PoolKey identifies the pool-state version that backed a quote.
type PoolKey struct {
	Pool        common.Address `json:"pool"`
	Run         uint64         `json:"run"`
	Batch       uint64         `json:"batch"`
	UpdateNonce uint64         `json:"update_nonce"`
}

// DexPrices is the price of a pair immediately before and after a transaction.
type DexPrices struct {
	PreState  *big.Rat  `json:"pre_state"`
	PostState *big.Rat  `json:"post_state"`
	Liquidity *big.Rat  `json:"liquidity,omitempty"`
	Keys      []PoolKey `json:"keys,omitempty"`
}

// UnitPrices is the quote of a token against itself.
func UnitPrices() DexPrices {
	return DexPrices{PreState: big.NewRat(1, 1), PostState: big.NewRat(1, 1)}
}

// Invert returns the reverse-quote prices. Zero prices stay zero.
func (p DexPrices) Invert() DexPrices {
	return DexPrices{
		PreState:  invertRat(p.PreState),
		PostState: invertRat(p.PostState),
		Liquidity: p.Liquidity,
		Keys:      p.Keys,
	}
}

func invertRat(r *big.Rat) *big.Rat {
	if r == nil || r.Sign() == 0 {
		return r
	}
	return new(big.Rat).Inv(r)
}

// DexQuotes holds every quote produced for one block, indexed by transaction.
type DexQuotes struct {
	Block uint64               `json:"block"`
	Txs   []map[Pair]DexPrices `json:"txs"`
}

func NewDexQuotes(block uint64) *DexQuotes {
	return &DexQuotes{Block: block}
}

// Set records prices for pair at txIndex, growing the table as needed.
func (q *DexQuotes) Set(txIndex uint64, pair Pair, prices DexPrices) {
	for uint64(len(q.Txs)) <= txIndex {
		q.Txs = append(q.Txs, nil)
	}
	if q.Txs[txIndex] == nil {
		q.Txs[txIndex] = make(map[Pair]DexPrices)
	}
	q.Txs[txIndex][pair] = prices
}

// Remove drops pair, in either direction, from every transaction.
func (q *DexQuotes) Remove(pair Pair) {
	flipped := pair.Flip()
	for _, txQuotes := range q.Txs {
		delete(txQuotes, pair)
		delete(txQuotes, flipped)
	}
}

// PriceAt returns the quote recorded exactly at txIndex, inverting a
// reverse-direction entry when needed.
func (q *DexQuotes) PriceAt(pair Pair, txIndex uint64) (DexPrices, bool) {
	if pair.IsSame() {
		return UnitPrices(), true
	}
	if q == nil || txIndex >= uint64(len(q.Txs)) {
		return DexPrices{}, false
	}
	txQuotes := q.Txs[txIndex]
	if prices, ok := txQuotes[pair]; ok {
		return prices, true
	}
	if prices, ok := txQuotes[pair.Flip()]; ok {
		return prices.Invert(), true
	}
	return DexPrices{}, false
}

// PriceAtOrBefore walks backward from txIndex to the nearest transaction with a quote.
func (q *DexQuotes) PriceAtOrBefore(pair Pair, txIndex uint64) (DexPrices, bool) {
	if pair.IsSame() {
		return UnitPrices(), true
	}
	if q == nil || len(q.Txs) == 0 {
		return DexPrices{}, false
	}
	idx := txIndex
	if last := uint64(len(q.Txs) - 1); idx > last {
		idx = last
	}
	for {
		if prices, ok := q.PriceAt(pair, idx); ok {
			return prices, true
		}
		if idx == 0 {
			return DexPrices{}, false
		}
		idx--
	}
}

// GetPairKeys reports which pool-state versions produced the quote for pair at txIndex.
func (q *DexQuotes) GetPairKeys(pair Pair, txIndex uint64) []PoolKey {
	prices, ok := q.PriceAtOrBefore(pair, txIndex)
	if !ok {
		return nil
	}
	return prices.Keys
}

// Pairs lists every pair with at least one quote, sorted.
func (q *DexQuotes) Pairs() []Pair {
	seen := make(map[Pair]struct{})
	for _, txQuotes := range q.Txs {
		for pair := range txQuotes {
			seen[pair] = struct{}{}
		}
	}
	out := make([]Pair, 0, len(seen))
	for pair := range seen {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool { return ComparePairs(out[i], out[j]) < 0 })
	return out
}

// Len counts individual (tx, pair) quotes.
func (q *DexQuotes) Len() int {
	total := 0
	for _, txQuotes := range q.Txs {
		total += len(txQuotes)
	}
	return total
}
