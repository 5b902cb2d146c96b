// Package tasks runs the pricer's background work with bounded concurrency and
// per-block bookkeeping.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"dexPricing/internal/model"
)

const defaultMaxConcurrent = 64

// Kind names the work a task performs.
type Kind uint8

const (
	KindDerivation Kind = iota
	KindStateLoad
	KindVerification
	KindRundown
	KindPersist
)

func (k Kind) String() string {
	switch k {
	case KindDerivation:
		return "derivation"
	case KindStateLoad:
		return "state_load"
	case KindVerification:
		return "verification"
	case KindRundown:
		return "rundown"
	case KindPersist:
		return "persist"
	default:
		return "unknown"
	}
}

// Info tags a task with the block it gates and what it is for.
type Info struct {
	Block uint64
	Kind  Kind
	Pair  model.Pair
	Pool  common.Address
}

// Result is delivered on Results in completion order.
type Result[T any] struct {
	ID      uint64
	Info    Info
	Value   T
	Err     error
	Elapsed time.Duration
}

// Manager runs tasks on their own goroutines, at most maxConcurrent at a time.
// A task counts as outstanding for its block until the consumer passes its
// result to Complete, so TasksForBlock never reports zero while a finished
// result is still waiting to be handled.
type Manager[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	results chan Result[T]
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu       sync.Mutex
	nextID   uint64
	perBlock map[uint64]int
	pending  int
}

func NewManager[T any](ctx context.Context, maxConcurrent int, logger *zap.Logger) *Manager[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager[T]{
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		results:  make(chan Result[T], maxConcurrent),
		logger:   logger,
		perBlock: make(map[uint64]int),
	}
}

// Add schedules fn and returns its id. It never blocks.
func (m *Manager[T]) Add(info Info, fn func(context.Context) (T, error)) uint64 {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.perBlock[info.Block]++
	m.pending++
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}
		if m.ctx.Err() != nil {
			m.sem.Release(1)
			return
		}
		start := time.Now()
		value, err := fn(m.ctx)
		m.sem.Release(1)

		res := Result[T]{ID: id, Info: info, Value: value, Err: err, Elapsed: time.Since(start)}
		select {
		case m.results <- res:
		case <-m.ctx.Done():
		}
	}()
	return id
}

// Results yields finished tasks in completion order.
func (m *Manager[T]) Results() <-chan Result[T] {
	return m.results
}

// Complete marks a received result as handled.
func (m *Manager[T]) Complete(res Result[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.perBlock[res.Info.Block]; n <= 1 {
		delete(m.perBlock, res.Info.Block)
	} else {
		m.perBlock[res.Info.Block] = n - 1
	}
	if m.pending > 0 {
		m.pending--
	}
}

// TasksForBlock counts unhandled tasks tagged with block.
func (m *Manager[T]) TasksForBlock(block uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perBlock[block]
}

// TasksThrough counts unhandled tasks tagged with any block up to and including block.
func (m *Manager[T]) TasksThrough(block uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for b, n := range m.perBlock {
		if b <= block {
			total += n
		}
	}
	return total
}

func (m *Manager[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// Close cancels running tasks and waits for their goroutines to exit.
func (m *Manager[T]) Close() {
	m.cancel()
	m.wg.Wait()
	m.logger.Debug("task manager closed", zap.Int("unhandled", m.Pending()))
}
