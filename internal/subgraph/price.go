package subgraph

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/protocols"
)

var (
	ErrMissingState = errors.New("pool state not loaded")
	ErrZeroPrice    = errors.New("route price is zero")
)

// StateLookup resolves the current state of a pool.
type StateLookup func(common.Address) (protocols.PoolState, bool)

// RouteQuote is the evaluation of one route against pool state.
type RouteQuote struct {
	// Price is units of the end token per unit of the start token.
	Price *big.Rat
	// Liquidity is the smallest hop TVL, in end-token units.
	Liquidity    *big.Rat
	HopLiquidity []*big.Rat
	States       []protocols.PoolState
}

// Quote multiplies hop prices along the route. Parallel pools on a hop are
// averaged, weighted by the product of their reserves.
func (r Route) Quote(lookup StateLookup) (RouteQuote, error) {
	n := r.Len()
	prices := make([]*big.Rat, n)
	tvls := make([]*big.Rat, n)
	var states []protocols.PoolState

	for i, hop := range r.Hops {
		price, tvl, used, err := evaluateHop(hop, lookup)
		if err != nil {
			return RouteQuote{}, &HopError{Index: i, Hop: hop, Err: err}
		}
		prices[i] = price
		tvls[i] = tvl
		states = append(states, used...)
	}

	total := big.NewRat(1, 1)
	for _, price := range prices {
		total.Mul(total, price)
	}

	hopLiquidity := make([]*big.Rat, n)
	suffix := big.NewRat(1, 1)
	var bottleneck *big.Rat
	for i := n - 1; i >= 0; i-- {
		hopLiquidity[i] = new(big.Rat).Mul(tvls[i], suffix)
		suffix = new(big.Rat).Mul(suffix, prices[i])
		if bottleneck == nil || hopLiquidity[i].Cmp(bottleneck) < 0 {
			bottleneck = hopLiquidity[i]
		}
	}
	if bottleneck == nil {
		bottleneck = new(big.Rat)
	}

	return RouteQuote{
		Price:        total,
		Liquidity:    bottleneck,
		HopLiquidity: hopLiquidity,
		States:       states,
	}, nil
}

// HopError pins a route evaluation failure to one hop.
type HopError struct {
	Index int
	Hop   Hop
	Err   error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("hop %d %s->%s: %v", e.Index, e.Hop.From.Hex(), e.Hop.To.Hex(), e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

func evaluateHop(hop Hop, lookup StateLookup) (*big.Rat, *big.Rat, []protocols.PoolState, error) {
	weighted := new(big.Rat)
	totalWeight := new(big.Rat)
	tvl := new(big.Rat)
	var states []protocols.PoolState
	var lastErr error

	for _, edge := range hop.Pools {
		state, ok := lookup(edge.Address)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", ErrMissingState, edge.Address.Hex())
			continue
		}
		price, err := state.Price(hop.From)
		if err != nil {
			lastErr = err
			continue
		}
		poolTVL, err := state.TVL(hop.To)
		if err != nil {
			lastErr = err
			continue
		}
		r0, r1 := state.Variant.Reserves()
		weight := new(big.Rat).Mul(r0, r1)
		if weight.Sign() == 0 {
			lastErr = protocols.ErrZeroLiquidity
			continue
		}

		weighted.Add(weighted, new(big.Rat).Mul(price, weight))
		totalWeight.Add(totalWeight, weight)
		tvl.Add(tvl, poolTVL)
		states = append(states, state)
	}

	if totalWeight.Sign() == 0 {
		if lastErr == nil {
			lastErr = protocols.ErrZeroLiquidity
		}
		return nil, nil, nil, lastErr
	}
	return weighted.Quo(weighted, totalWeight), tvl, states, nil
}

// Quote evaluates the verified routes in preference order and returns the
// first that prices cleanly.
func (s *PairSubGraph) Quote(lookup StateLookup) (RouteQuote, error) {
	var lastErr error = ErrNoRoute
	for _, route := range s.Active() {
		quote, err := route.Quote(lookup)
		if err == nil {
			return quote, nil
		}
		lastErr = err
	}
	return RouteQuote{}, lastErr
}
