package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dexPricing/internal/model"
	"dexPricing/internal/storage"
)

// Schema is applied by EnsureSchema. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS pools (
	address       TEXT PRIMARY KEY,
	protocol      TEXT NOT NULL,
	token0        TEXT NOT NULL,
	token1        TEXT NOT NULL,
	created_block BIGINT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS pools_created_block_idx ON pools (created_block);

CREATE TABLE IF NOT EXISTS pair_subgraphs (
	token0     TEXT NOT NULL,
	token1     TEXT NOT NULL,
	block      BIGINT NOT NULL,
	pair       JSONB NOT NULL,
	edges      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (token0, token1, block)
);

CREATE TABLE IF NOT EXISTS feed_state (
	name            TEXT PRIMARY KEY,
	last_block      BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store keeps the pool catalogue, saved subgraphs and feed checkpoints in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.PoolSource    = (*Store)(nil)
	_ storage.PoolSink      = (*Store)(nil)
	_ storage.SubgraphStore = (*Store)(nil)
)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertPools inserts or updates pool identities. The earliest creation block wins.
func (s *Store) UpsertPools(ctx context.Context, pools []model.PoolInfo) error {
	if len(pools) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pool := range pools {
		batch.Queue(`
			INSERT INTO pools (address, protocol, token0, token1, created_block, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (address)
			DO UPDATE SET
				protocol = EXCLUDED.protocol,
				token0 = EXCLUDED.token0,
				token1 = EXCLUDED.token1,
				created_block = LEAST(pools.created_block, EXCLUDED.created_block),
				updated_at = now()
		`,
			pool.Address.Hex(),
			string(pool.Protocol),
			pool.Token0.Hex(),
			pool.Token1.Hex(),
			int64(pool.CreatedBlock),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range pools {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Pools returns every pool created strictly before block with its full identity.
func (s *Store) Pools(ctx context.Context, block uint64) ([]model.PoolInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, protocol, token0, token1, created_block
		FROM pools
		WHERE created_block < $1
		ORDER BY created_block, address
	`, int64(block))
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var out []model.PoolInfo
	for rows.Next() {
		var (
			address, protocol, token0, token1 string
			created                           int64
		)
		if err := rows.Scan(&address, &protocol, &token0, &token1, &created); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, model.PoolInfo{
			Address:      common.HexToAddress(address),
			Protocol:     model.Protocol(protocol),
			Token0:       common.HexToAddress(token0),
			Token1:       common.HexToAddress(token1),
			CreatedBlock: uint64(created),
		})
	}
	return out, rows.Err()
}

func (s *Store) ProtocolsCreatedBefore(ctx context.Context, block uint64) (map[model.PoolID]model.Pair, error) {
	pools, err := s.Pools(ctx, block)
	if err != nil {
		return nil, err
	}
	out := make(map[model.PoolID]model.Pair, len(pools))
	for _, pool := range pools {
		out[pool.ID()] = pool.Pair()
	}
	return out, nil
}

func (s *Store) TryLoadPairBefore(ctx context.Context, block uint64, pair model.Pair) (model.Pair, []model.SubGraphEdge, error) {
	key := pair.Ordered()
	var pairRaw, edgesRaw []byte
	row := s.pool.QueryRow(ctx, `
		SELECT pair, edges FROM pair_subgraphs
		WHERE token0 = $1 AND token1 = $2 AND block < $3
		ORDER BY block DESC
		LIMIT 1
	`, key.Token0.Hex(), key.Token1.Hex(), int64(block))
	if err := row.Scan(&pairRaw, &edgesRaw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Pair{}, nil, storage.ErrNotFound
		}
		return model.Pair{}, nil, fmt.Errorf("load subgraph %s: %w", pair, err)
	}

	var saved model.Pair
	if err := json.Unmarshal(pairRaw, &saved); err != nil {
		return model.Pair{}, nil, fmt.Errorf("decode saved pair: %w", err)
	}
	var edges []model.SubGraphEdge
	if err := json.Unmarshal(edgesRaw, &edges); err != nil {
		return model.Pair{}, nil, fmt.Errorf("decode saved edges: %w", err)
	}
	return saved, edges, nil
}

func (s *Store) SavePairAt(ctx context.Context, block uint64, pair model.Pair, edges []model.SubGraphEdge) error {
	pairRaw, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode pair: %w", err)
	}
	edgesRaw, err := json.Marshal(edges)
	if err != nil {
		return fmt.Errorf("encode edges: %w", err)
	}
	key := pair.Ordered()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pair_subgraphs (token0, token1, block, pair, edges, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (token0, token1, block) DO UPDATE
		SET pair = EXCLUDED.pair, edges = EXCLUDED.edges, updated_at = now()
	`, key.Token0.Hex(), key.Token1.Hex(), int64(block), pairRaw, edgesRaw)
	if err != nil {
		return fmt.Errorf("save subgraph %s: %w", pair, err)
	}
	return nil
}

// LoadCheckpoint returns the last block the named feed finished.
func (s *Store) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	if name == "" {
		return 0, false, fmt.Errorf("checkpoint name required")
	}
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_block FROM feed_state WHERE name=$1`, name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	if name == "" {
		return fmt.Errorf("checkpoint name required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_state (name, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_block = EXCLUDED.last_block, updated_at = now()
	`, name, int64(block))
	return err
}
