package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "pricer",
		Short:        "Per-transaction DEX token pricing",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Price a block range against a quote asset",
		RunE:  runPricer,
	}

	runCmd.Flags().String("rpc", "", "archive RPC URL")
	runCmd.Flags().String("in", "", "replay price messages from this JSONL file instead of the chain")
	runCmd.Flags().String("out", "./data/quotes.jsonl", "output quotes JSONL")
	runCmd.Flags().String("quote-asset", "", "token every pair is quoted against")
	runCmd.Flags().Uint64("run-id", 0, "run id stamped on derived subgraphs")
	runCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	runCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	runCmd.Flags().StringSlice("address", nil, "limit the log filter to these emitters (comma-separated)")
	runCmd.Flags().StringSlice("factory", nil, "factories whose pool creations are tracked (comma-separated)")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	runCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path, used when no pg-dsn is set")
	runCmd.Flags().String("errors", "", "decode errors JSONL")
	runCmd.Flags().String("topic0-map", "", "extra topic0->event mappings (comma-separated key=value)")
	runCmd.Flags().Int("max-hops", 3, "longest path searched, in pools")
	runCmd.Flags().Int("max-paths", 8, "paths kept per pair")
	runCmd.Flags().String("min-liquidity", "0", "minimum subgraph liquidity in raw quote-asset units, decimal")
	runCmd.Flags().Int("max-tasks", 64, "concurrent background tasks")
	runCmd.Flags().Int("max-blocks-ahead", 8, "blocks buffered past the one being finalized")
	runCmd.Flags().Int("max-requery", 2, "state requeries before a failing subgraph is rebuilt")
	runCmd.Flags().Duration("fetch-timeout", 30*time.Second, "timeout for one pool state load")
	runCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for pools, subgraphs and checkpoints")
	runCmd.Flags().String("badger-path", "", "badger directory for saved subgraphs")
	runCmd.Flags().String("clickhouse-dsn", "", "also write quotes to ClickHouse")
	runCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode raw logs into price messages",
		RunE:  runDecode,
	}

	decodeCmd.Flags().String("rpc", "", "RPC URL used to resolve pools not created in the input")
	decodeCmd.Flags().String("in", "", "input raw logs JSONL")
	decodeCmd.Flags().String("out", "./data/messages.jsonl", "output price messages JSONL")
	decodeCmd.Flags().String("errors", "./data/decode_errors.jsonl", "decode errors JSONL")
	decodeCmd.Flags().StringSlice("factory", nil, "factories whose pool creations are tracked (comma-separated)")
	decodeCmd.Flags().String("topic0-map", "", "extra topic0->event mappings (comma-separated key=value)")
	decodeCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(decodeCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
