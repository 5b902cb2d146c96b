// Package feed turns chain logs into the ordered message stream the pricer consumes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"dexPricing/internal/chain"
	"dexPricing/internal/dex"
	"dexPricing/internal/model"
)

// LogSource is the slice of the chain client the feed reads from.
type LogSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// ErrorWriter receives logs that could not be decoded.
type ErrorWriter interface {
	Write(value interface{}) error
}

// RunConfig holds runtime settings for the feed.
type RunConfig struct {
	// Name keys the checkpoint.
	Name      string
	FromBlock uint64
	// ToBlock of zero means the chain head at start.
	ToBlock uint64
	// Addresses limits the log filter. Empty watches every emitter.
	Addresses    []common.Address
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
}

// Stats counts what a run produced.
type Stats struct {
	Logs     int
	Messages int
	Failed   int
}

// Runner fetches logs batch by batch, decodes them in chain order and sends
// the messages on. A batch is checkpointed once all its messages were sent.
type Runner struct {
	cfg        RunConfig
	source     LogSource
	decoder    *dex.Decoder
	checkpoint Checkpointer
	errors     ErrorWriter
	logger     *zap.Logger
	stats      Stats
}

// NewRunner builds a Runner. checkpoint and errs may be nil.
func NewRunner(cfg RunConfig, source LogSource, decoder *dex.Decoder, checkpoint Checkpointer, errs ErrorWriter, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "pricer"
	}
	return &Runner{
		cfg:        cfg,
		source:     source,
		decoder:    decoder,
		checkpoint: checkpoint,
		errors:     errs,
		logger:     logger,
	}
}

func (r *Runner) Stats() Stats { return r.stats }

// Run streams messages onto out until the range is done. out is not closed.
func (r *Runner) Run(ctx context.Context, out chan<- model.PriceMsg) error {
	if r.source == nil {
		return fmt.Errorf("log source is nil")
	}
	if r.decoder == nil {
		return fmt.Errorf("decoder is nil")
	}
	if r.cfg.BatchSize == 0 {
		return fmt.Errorf("batch size must be greater than zero")
	}

	chainID, err := r.source.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}
	chainIDValue := chainID.Uint64()

	from := r.cfg.FromBlock
	to := r.cfg.ToBlock
	if to == 0 {
		latest, err := r.source.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get latest block: %w", err)
		}
		to = latest
	}

	if r.checkpoint != nil {
		last, ok, err := r.checkpoint.LoadCheckpoint(ctx, r.cfg.Name)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok && last >= from {
			from = last + 1
			r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", last), zap.Uint64("from", from))
		}
	}

	if from > to {
		r.logger.Info("nothing to sync", zap.Uint64("from", from), zap.Uint64("to", to))
		return nil
	}

	ranges, err := SplitRange(from, to, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	topics := r.decoder.Topics()

	for _, blockRange := range ranges {
		if err := ctx.Err(); err != nil {
			return err
		}

		logs, err := r.filterLogsWithRetry(ctx, blockRange, topics)
		if err != nil {
			return fmt.Errorf("filter logs: %w", err)
		}

		records := orderedRecords(chainIDValue, logs)
		sent := 0
		for _, record := range records {
			msgs, err := r.decoder.Decode(ctx, record)
			if err != nil {
				r.recordFailure(record, err)
				continue
			}
			for _, msg := range msgs {
				select {
				case out <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			sent += len(msgs)
		}
		r.stats.Logs += len(records)
		r.stats.Messages += sent

		if r.checkpoint != nil {
			if err := r.checkpoint.SaveCheckpoint(ctx, r.cfg.Name, blockRange.To); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
		}

		r.logger.Info("batch complete",
			zap.Int("logs", len(records)),
			zap.Int("messages", sent),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
		)
	}

	return nil
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, blockRange BlockRange, topics []common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := chain.WithRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.source.FilterLogs(ctx, blockRange.From, blockRange.To, r.cfg.Addresses, topics)
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	return logs, err
}

func (r *Runner) recordFailure(record model.LogRecord, err error) {
	r.stats.Failed++
	level := zap.WarnLevel
	if errors.Is(err, dex.ErrUnsupportedEvent) {
		level = zap.DebugLevel
	}
	r.logger.Check(level, "log decode failed").Write(
		zap.Uint64("block", record.BlockNumber),
		zap.Uint64("log_index", record.LogIndex),
		zap.String("address", record.Address),
		zap.Error(err),
	)
	if r.errors != nil {
		if werr := r.errors.Write(model.NewDecodeError(record, err)); werr != nil {
			r.logger.Warn("write decode error failed", zap.Error(werr))
		}
	}
}

// orderedRecords converts logs to records in chain order, dropping repeats
// some providers return at range edges.
func orderedRecords(chainID uint64, logs []types.Log) []model.LogRecord {
	type logID struct {
		block uint64
		tx    common.Hash
		index uint
	}
	seen := make(map[logID]struct{}, len(logs))
	records := make([]model.LogRecord, 0, len(logs))
	for _, log := range logs {
		id := logID{block: log.BlockNumber, tx: log.TxHash, index: log.Index}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		records = append(records, buildLogRecord(chainID, log))
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Less(records[j]) })
	return records
}
