package subgraph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"dexPricing/internal/model"
)

// VerificationState is where a pair sits on its way to a trusted subgraph.
// A verified pair has left the machine and lives in the registry.
type VerificationState uint8

const (
	Loading VerificationState = iota + 1
	Verifying
	FrayedEnds
	Recreating
)

func (s VerificationState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Verifying:
		return "verifying"
	case FrayedEnds:
		return "frayed_ends"
	case Recreating:
		return "recreating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

var transitions = map[VerificationState]map[VerificationState]bool{
	Loading:    {Verifying: true},
	Verifying:  {FrayedEnds: true},
	FrayedEnds: {Loading: true, Verifying: true},
	Recreating: {Loading: true},
}

func (s VerificationState) CanTransition(to VerificationState) bool {
	return transitions[s][to]
}

var (
	ErrInvalidTransition = errors.New("invalid verification transition")
	ErrUnknownPair       = errors.New("pair not under verification")
)

// Entry tracks one pair through verification.
type Entry struct {
	Pair      model.Pair
	Block     uint64
	State     VerificationState
	Candidate *PairSubGraph
	Attempts  int
	Ignore    map[common.Address]struct{}
	// History is every edge derived for the pair across attempts.
	History    []model.SubGraphEdge
	RanRundown bool
	Parked     bool

	pending map[common.Address]struct{}
}

// Pending returns the number of pools whose state has not arrived yet.
func (e *Entry) Pending() int { return len(e.pending) }

// Verifier is the bookkeeping side of the verification state machine. It is
// owned by the pricer coordinator and is not safe for concurrent use.
type Verifier struct {
	entries  map[model.Pair]*Entry
	waiting  map[common.Address]map[model.Pair]struct{}
	watching map[common.Address]map[model.Pair]struct{}
}

func NewVerifier() *Verifier {
	return &Verifier{
		entries:  make(map[model.Pair]*Entry),
		waiting:  make(map[common.Address]map[model.Pair]struct{}),
		watching: make(map[common.Address]map[model.Pair]struct{}),
	}
}

// Begin starts tracking pair in Loading or Recreating. It reports false if the
// pair is already tracked.
func (v *Verifier) Begin(pair model.Pair, block uint64, initial VerificationState) (*Entry, bool) {
	if existing, ok := v.entries[pair]; ok {
		return existing, false
	}
	if initial != Loading && initial != Recreating {
		initial = Loading
	}
	entry := &Entry{
		Pair:    pair,
		Block:   block,
		State:   initial,
		Ignore:  make(map[common.Address]struct{}),
		pending: make(map[common.Address]struct{}),
	}
	v.entries[pair] = entry
	return entry, true
}

func (v *Verifier) Entry(pair model.Pair) (*Entry, bool) {
	entry, ok := v.entries[pair]
	return entry, ok
}

// Transition moves pair to the next state, rejecting moves the machine does not allow.
func (v *Verifier) Transition(pair model.Pair, to VerificationState) error {
	entry, ok := v.entries[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	if !entry.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, entry.State, to, pair)
	}
	if entry.Parked {
		v.unwatch(entry)
	}
	entry.State = to
	return nil
}

// SetCandidate records a freshly derived subgraph and the pools it still needs state for.
func (v *Verifier) SetCandidate(pair model.Pair, candidate *PairSubGraph, missing []common.Address) {
	entry, ok := v.entries[pair]
	if !ok {
		return
	}
	v.clearPending(entry)
	entry.Candidate = candidate
	if candidate != nil {
		entry.History = MergeEdges(entry.History, candidate.Edges())
	}
	for _, addr := range missing {
		entry.pending[addr] = struct{}{}
		if v.waiting[addr] == nil {
			v.waiting[addr] = make(map[model.Pair]struct{})
		}
		v.waiting[addr][pair] = struct{}{}
	}
}

// PoolReady marks a pool's state as available and returns the pairs that have
// nothing left to wait for.
func (v *Verifier) PoolReady(addr common.Address) []model.Pair {
	var ready []model.Pair
	for pair := range v.waiting[addr] {
		entry, ok := v.entries[pair]
		if !ok {
			continue
		}
		delete(entry.pending, addr)
		if len(entry.pending) == 0 {
			ready = append(ready, pair)
		}
	}
	delete(v.waiting, addr)
	sortPairs(ready)
	return ready
}

// PoolFailed releases every pair waiting on a pool that could not be loaded.
func (v *Verifier) PoolFailed(addr common.Address) []model.Pair {
	var affected []model.Pair
	for pair := range v.waiting[addr] {
		entry, ok := v.entries[pair]
		if !ok {
			continue
		}
		delete(entry.pending, addr)
		entry.Ignore[addr] = struct{}{}
		affected = append(affected, pair)
	}
	delete(v.waiting, addr)
	sortPairs(affected)
	return affected
}

// Park keeps a FrayedEnds pair around until one of its pools changes.
func (v *Verifier) Park(pair model.Pair) error {
	entry, ok := v.entries[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair)
	}
	if entry.State != FrayedEnds {
		return fmt.Errorf("%w: park from %s", ErrInvalidTransition, entry.State)
	}
	entry.Parked = true
	if entry.Candidate == nil {
		return nil
	}
	for _, addr := range entry.Candidate.Pools() {
		if v.watching[addr] == nil {
			v.watching[addr] = make(map[model.Pair]struct{})
		}
		v.watching[addr][pair] = struct{}{}
	}
	return nil
}

// Touched returns parked pairs that reference the pool.
func (v *Verifier) Touched(addr common.Address) []model.Pair {
	var out []model.Pair
	for pair := range v.watching[addr] {
		out = append(out, pair)
	}
	sortPairs(out)
	return out
}

// ParkedWith returns parked pairs whose candidate references token.
func (v *Verifier) ParkedWith(token common.Address) []model.Pair {
	var out []model.Pair
	for pair, entry := range v.entries {
		if entry.Parked && (pair.Has(token) || (entry.Candidate != nil && hasToken(entry.Candidate, token))) {
			out = append(out, pair)
		}
	}
	sortPairs(out)
	return out
}

// Finish removes pair from the machine, either verified or abandoned.
func (v *Verifier) Finish(pair model.Pair) *Entry {
	entry, ok := v.entries[pair]
	if !ok {
		return nil
	}
	v.clearPending(entry)
	v.unwatch(entry)
	delete(v.entries, pair)
	return entry
}

func (v *Verifier) Len() int { return len(v.entries) }

// Counts tallies tracked pairs by state.
func (v *Verifier) Counts() map[VerificationState]int {
	out := make(map[VerificationState]int)
	for _, entry := range v.entries {
		out[entry.State]++
	}
	return out
}

// Pairs lists tracked pairs in canonical order.
func (v *Verifier) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(v.entries))
	for pair := range v.entries {
		out = append(out, pair)
	}
	sortPairs(out)
	return out
}

func (v *Verifier) clearPending(entry *Entry) {
	for addr := range entry.pending {
		if waiters := v.waiting[addr]; waiters != nil {
			delete(waiters, entry.Pair)
			if len(waiters) == 0 {
				delete(v.waiting, addr)
			}
		}
	}
	entry.pending = make(map[common.Address]struct{})
}

func (v *Verifier) unwatch(entry *Entry) {
	entry.Parked = false
	for addr, pairs := range v.watching {
		delete(pairs, entry.Pair)
		if len(pairs) == 0 {
			delete(v.watching, addr)
		}
	}
}

func hasToken(s *PairSubGraph, token common.Address) bool {
	_, _, ok := s.Distances(token)
	return ok
}

func sortPairs(pairs []model.Pair) {
	sort.Slice(pairs, func(i, j int) bool { return model.ComparePairs(pairs[i], pairs[j]) < 0 })
}
