// Package badger keeps derived subgraph edges in an embedded key/value store
// so a restarted run can skip path search for pairs it has already verified.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"dexPricing/internal/model"
	"dexPricing/internal/storage"
)

var subgraphPrefix = []byte("sg/")

type record struct {
	Pair  model.Pair           `json:"pair"`
	Edges []model.SubGraphEdge `json:"edges"`
}

// Store implements storage.SubgraphStore on badger.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ storage.SubgraphStore = (*Store)(nil)

// Open opens (or creates) the store at path. An empty path keeps everything in memory.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// key is prefix | token0 | token1 | big-endian block, so the saves for one pair
// sort by block.
func key(pair model.Pair, block uint64) []byte {
	out := make([]byte, 0, len(subgraphPrefix)+2*20+8)
	out = append(out, pairPrefix(pair)...)
	return binary.BigEndian.AppendUint64(out, block)
}

func pairPrefix(pair model.Pair) []byte {
	out := make([]byte, 0, len(subgraphPrefix)+2*20)
	out = append(out, subgraphPrefix...)
	out = append(out, pair.Token0.Bytes()...)
	return append(out, pair.Token1.Bytes()...)
}

func (s *Store) SavePairAt(_ context.Context, block uint64, pair model.Pair, edges []model.SubGraphEdge) error {
	canonical := pair.Ordered()
	value, err := json.Marshal(record{Pair: pair, Edges: edges})
	if err != nil {
		return fmt.Errorf("marshal subgraph %s: %w", pair, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(canonical, block), value)
	})
	if err != nil {
		return fmt.Errorf("save subgraph %s at %d: %w", pair, block, err)
	}
	return nil
}

func (s *Store) TryLoadPairBefore(_ context.Context, block uint64, pair model.Pair) (model.Pair, []model.SubGraphEdge, error) {
	if block == 0 {
		return model.Pair{}, nil, storage.ErrNotFound
	}
	canonical := pair.Ordered()
	prefix := pairPrefix(canonical)

	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(key(canonical, block-1))
		if !it.ValidForPrefix(prefix) {
			return storage.ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Pair{}, nil, err
		}
		return model.Pair{}, nil, fmt.Errorf("load subgraph %s before %d: %w", pair, block, err)
	}
	return rec.Pair, rec.Edges, nil
}

type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
