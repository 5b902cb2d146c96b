package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dexPricing/internal/dex"
	"dexPricing/internal/model"
)

var (
	factory = common.HexToAddress("0x5555555555555555555555555555555555555555")
	pair    = common.HexToAddress("0x7777777777777777777777777777777777777777")
	token0  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	token1  = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type fakeSource struct {
	logs    []types.Log
	head    uint64
	fails   int
	queries [][2]uint64
}

func (f *fakeSource) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, _ []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("rate limited")
	}
	wanted := make(map[common.Hash]bool, len(topic0))
	for _, topic := range topic0 {
		wanted[topic] = true
	}
	var out []types.Log
	// newest first, to check the runner orders them
	for i := len(f.logs) - 1; i >= 0; i-- {
		log := f.logs[i]
		if log.BlockNumber >= from && log.BlockNumber <= to && wanted[log.Topics[0]] {
			out = append(out, log)
		}
	}
	return out, nil
}

func pairCreatedLog(t *testing.T, block uint64) types.Log {
	t.Helper()
	parsed, err := dex.V2FactoryABI()
	require.NoError(t, err)
	event := parsed.Events["PairCreated"]
	data, err := event.Inputs.NonIndexed().Pack(pair, big.NewInt(1))
	require.NoError(t, err)
	return types.Log{
		Address:     factory,
		Topics:      []common.Hash{event.ID, common.BytesToHash(token0.Bytes()), common.BytesToHash(token1.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0x01"),
	}
}

func syncLog(t *testing.T, block uint64, tx, index uint, r0, r1 int64) types.Log {
	t.Helper()
	parsed, err := dex.V2PairABI()
	require.NoError(t, err)
	event := parsed.Events["Sync"]
	data, err := event.Inputs.Pack(big.NewInt(r0), big.NewInt(r1))
	require.NoError(t, err)
	return types.Log{
		Address:     pair,
		Topics:      []common.Hash{event.ID},
		Data:        data,
		BlockNumber: block,
		TxIndex:     tx,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100 + uint64(tx)))),
	}
}

func newDecoder(t *testing.T) *dex.Decoder {
	t.Helper()
	decoder, err := dex.NewDecoder(dex.DecoderConfig{Factories: []common.Address{factory}}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return decoder
}

func collect(t *testing.T, runner *Runner) []model.PriceMsg {
	t.Helper()
	out := make(chan model.PriceMsg, 64)
	require.NoError(t, runner.Run(context.Background(), out))
	close(out)
	var msgs []model.PriceMsg
	for msg := range out {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestRunnerStreamsInChainOrder(t *testing.T) {
	source := &fakeSource{head: 12, fails: 1}
	source.logs = []types.Log{
		pairCreatedLog(t, 5),
		syncLog(t, 6, 0, 0, 10, 20),
		syncLog(t, 6, 1, 3, 11, 20),
		syncLog(t, 6, 1, 3, 11, 20),
		syncLog(t, 7, 0, 0, 99, 20),
		syncLog(t, 11, 0, 0, 12, 20),
	}
	source.logs[4].Removed = true

	checkpoint := NewFileCheckpoint(filepath.Join(t.TempDir(), "checkpoint.json"))
	runner := NewRunner(RunConfig{FromBlock: 5, BatchSize: 4, MaxRetries: 1}, source, newDecoder(t), checkpoint, nil, zap.NewNop())
	msgs := collect(t, runner)

	require.Len(t, msgs, 4)
	require.Equal(t, model.MsgDiscoveredPool, msgs[0].Kind)
	require.Equal(t, uint64(5), msgs[0].Pool.CreatedBlock)
	for i, want := range []int64{10, 11, 12} {
		require.Equal(t, model.MsgUpdate, msgs[i+1].Kind)
		require.Equal(t, want, msgs[i+1].Update.Action.Reserve0.Int64())
	}
	require.Equal(t, Stats{Logs: 5, Messages: 4}, runner.Stats())
	require.Equal(t, [][2]uint64{{5, 8}, {5, 8}, {9, 12}}, source.queries)

	last, ok, err := checkpoint.LoadCheckpoint(context.Background(), "pricer")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(12), last)

	// a rerun resumes past the checkpoint
	again := NewRunner(RunConfig{FromBlock: 5, BatchSize: 4}, source, newDecoder(t), checkpoint, nil, zap.NewNop())
	require.Empty(t, collect(t, again))
}

func TestRunnerRecordsDecodeFailures(t *testing.T) {
	source := &fakeSource{head: 6}
	source.logs = []types.Log{syncLog(t, 6, 0, 0, 10, 20)}

	errs := &recordingWriter{}
	runner := NewRunner(RunConfig{FromBlock: 6, BatchSize: 10}, source, newDecoder(t), nil, errs, zap.NewNop())
	require.Empty(t, collect(t, runner))
	require.Equal(t, 1, runner.Stats().Failed)
	require.Len(t, errs.values, 1)

	decodeErr, ok := errs.values[0].(model.DecodeError)
	require.True(t, ok)
	require.Equal(t, pair.Hex(), decodeErr.Address)
	require.Contains(t, decodeErr.Error, "unknown pool")
}

type recordingWriter struct {
	values []interface{}
}

func (w *recordingWriter) Write(value interface{}) error {
	w.values = append(w.values, value)
	return nil
}

func TestDecodeStream(t *testing.T) {
	records := []model.LogRecord{
		buildLogRecord(1, pairCreatedLog(t, 5)),
		buildLogRecord(1, syncLog(t, 6, 0, 0, 10, 20)),
		buildLogRecord(1, syncLog(t, 4, 0, 0, 1, 1)),
	}
	var lines []string
	for _, record := range records {
		line, err := json.Marshal(record)
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
	lines = append(lines, "", "{broken")

	out, errs := &recordingWriter{}, &recordingWriter{}
	stats, err := DecodeStream(context.Background(), newDecoder(t), strings.NewReader(strings.Join(lines, "\n")), out, errs, nil)
	require.NoError(t, err)
	require.Equal(t, Stats{Logs: 4, Messages: 2, Failed: 2}, stats)
	require.Len(t, out.values, 2)
	require.Len(t, errs.values, 2)
	require.Equal(t, model.MsgUpdate, out.values[1].(model.PriceMsg).Kind)
}
