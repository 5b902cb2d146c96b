package subgraph

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

// Verdict is the outcome of checking every route against the liquidity threshold.
type Verdict struct {
	Pair model.Pair
	// Passing holds route indices in preference order.
	Passing []int
	Quotes  map[int]RouteQuote
	// FailingPools sit on hops that kept a route under the threshold.
	FailingPools []common.Address
	// MissingPools have no loaded state.
	MissingPools []common.Address
}

func (v Verdict) Verified() bool { return len(v.Passing) > 0 }

// Verify evaluates every route against minLiquidity, counted in LiquidityUnit.
// Passing routes are ordered by hop count, then by bottleneck liquidity
// (highest first), then by pool addresses.
func (s *PairSubGraph) Verify(lookup StateLookup, minLiquidity *big.Rat) Verdict {
	if minLiquidity == nil {
		minLiquidity = new(big.Rat)
	}
	verdict := Verdict{Pair: s.pair, Quotes: make(map[int]RouteQuote)}
	failing := make(map[common.Address]struct{})
	missing := make(map[common.Address]struct{})

	for i, route := range s.routes {
		quote, err := s.quoteRoute(route, lookup)
		if err != nil {
			var hopErr *HopError
			if !errors.As(err, &hopErr) {
				continue
			}
			for _, edge := range hopErr.Hop.Pools {
				if _, ok := lookup(edge.Address); ok {
					failing[edge.Address] = struct{}{}
				} else {
					missing[edge.Address] = struct{}{}
				}
			}
			continue
		}
		if quote.Liquidity.Cmp(minLiquidity) < 0 {
			for j, liq := range quote.HopLiquidity {
				if liq.Cmp(minLiquidity) >= 0 {
					continue
				}
				for _, edge := range route.Hops[j].Pools {
					failing[edge.Address] = struct{}{}
				}
			}
			continue
		}
		verdict.Passing = append(verdict.Passing, i)
		verdict.Quotes[i] = quote
	}

	sort.SliceStable(verdict.Passing, func(a, b int) bool {
		ra, rb := s.routes[verdict.Passing[a]], s.routes[verdict.Passing[b]]
		if ra.Len() != rb.Len() {
			return ra.Len() < rb.Len()
		}
		la, lb := verdict.Quotes[verdict.Passing[a]].Liquidity, verdict.Quotes[verdict.Passing[b]].Liquidity
		if c := la.Cmp(lb); c != 0 {
			return c > 0
		}
		return compareAddressLists(ra.PoolAddresses(), rb.PoolAddresses()) < 0
	})

	verdict.FailingPools = sortedSet(failing)
	verdict.MissingPools = sortedSet(missing)
	return verdict
}

// Audit re-checks the verified routes and drops those now under the threshold.
// It reports whether any verified route remains.
func (s *PairSubGraph) Audit(lookup StateLookup, minLiquidity *big.Rat) bool {
	if minLiquidity == nil {
		minLiquidity = new(big.Rat)
	}
	kept := s.active[:0]
	for _, idx := range s.active {
		quote, err := s.quoteRoute(s.routes[idx], lookup)
		if err != nil || quote.Liquidity.Cmp(minLiquidity) < 0 {
			continue
		}
		kept = append(kept, idx)
	}
	s.active = kept
	return len(s.active) > 0
}

// quoteRoute prices route and re-denominates its liquidity in the subgraph's
// liquidity unit.
func (s *PairSubGraph) quoteRoute(route Route, lookup StateLookup) (RouteQuote, error) {
	quote, err := route.Quote(lookup)
	if err != nil {
		return quote, err
	}
	return s.Denominate(quote)
}

// Denominate converts a route quote's liquidity from end-token units into
// LiquidityUnit. Price is left untouched.
func (s *PairSubGraph) Denominate(quote RouteQuote) (RouteQuote, error) {
	if s.unit == s.pair.Token1 {
		return quote, nil
	}
	if quote.Price == nil || quote.Price.Sign() == 0 {
		return RouteQuote{}, ErrZeroPrice
	}
	out := quote
	out.Liquidity = new(big.Rat).Quo(quote.Liquidity, quote.Price)
	out.HopLiquidity = make([]*big.Rat, len(quote.HopLiquidity))
	for i, liq := range quote.HopLiquidity {
		out.HopLiquidity[i] = new(big.Rat).Quo(liq, quote.Price)
	}
	return out, nil
}

func compareAddressLists(a, b []common.Address) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := model.CompareAddresses(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func sortedSet(set map[common.Address]struct{}) []common.Address {
	if len(set) == 0 {
		return nil
	}
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return model.CompareAddresses(out[i], out[j]) < 0 })
	return out
}
