package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dexPricing/internal/chain"
	"dexPricing/internal/config"
	"dexPricing/internal/dex"
	"dexPricing/internal/feed"
	"dexPricing/internal/graph"
	"dexPricing/internal/model"
	"dexPricing/internal/pricer"
	"dexPricing/internal/storage"
	"dexPricing/internal/storage/badger"
	"dexPricing/internal/storage/clickhouse"
	"dexPricing/internal/storage/postgres"
)

const (
	messageBuffer = 1024
	quoteBuffer   = 16
)

func runPricer(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.QuoteAsset) {
		return fmt.Errorf("invalid quote asset %q", cfg.QuoteAsset)
	}
	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}

	addresses, err := feed.ParseAddresses(cfg.Addresses)
	if err != nil {
		return err
	}
	factories, err := feed.ParseAddresses(cfg.Factories)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	var pg *postgres.Store
	if cfg.PGDSN != "" {
		pg, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	var pools storage.PoolSource = storage.NewMemory()
	var poolSink storage.PoolSink
	if pg != nil {
		pools = pg
		poolSink = pg
	}
	tokenGraph, directory, err := bootstrapGraph(ctx, pools, cfg.FromBlock)
	if err != nil {
		return err
	}

	subgraphs, closeSubgraphs, err := openSubgraphStore(cfg, pg, logger)
	if err != nil {
		return err
	}
	defer closeSubgraphs()

	sink, closeSinks, err := openQuoteSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	metrics := pricer.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, logger)
		defer shutdown()
	}

	loader := dex.NewStateLoader(dex.StateLoaderConfig{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, chainClient, logger.Named("state"))

	p, err := pricer.New(pricer.Config{
		QuoteAsset:     common.HexToAddress(cfg.QuoteAsset),
		RunID:          cfg.RunID,
		MaxHops:        cfg.MaxHops,
		MaxPaths:       cfg.MaxPaths,
		MinLiquidity:   cfg.MinLiquidity,
		MaxTasks:       cfg.MaxTasks,
		MaxBlocksAhead: cfg.MaxBlocksAhead,
		MaxRequery:     cfg.MaxRequery,
		FetchTimeout:   cfg.FetchTimeout,
	}, pricer.Deps{
		Graph:   tokenGraph,
		Loader:  loader,
		Store:   subgraphs,
		Metrics: metrics,
	}, logger.Named("pricer"))
	if err != nil {
		return err
	}

	var produce func(context.Context, chan<- model.PriceMsg) error
	if cfg.In != "" {
		produce = func(ctx context.Context, out chan<- model.PriceMsg) error {
			file, err := os.Open(cfg.In)
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defer file.Close()
			return storage.ReadMessages(ctx, file, out)
		}
	} else {
		decoder, err := dex.NewDecoder(dex.DecoderConfig{
			Topic0Map: cfg.Topic0Map,
			Factories: factories,
		}, directory, chainClient, logger.Named("decoder"))
		if err != nil {
			return err
		}

		var checkpoint feed.Checkpointer
		switch {
		case pg != nil:
			checkpoint = pg
		case cfg.Checkpoint != "":
			checkpoint = feed.NewFileCheckpoint(cfg.Checkpoint)
		}

		var errWriter feed.ErrorWriter
		if cfg.Errors != "" {
			w, err := storage.NewJsonlWriter(cfg.Errors, true)
			if err != nil {
				return err
			}
			defer w.Close()
			errWriter = w
		}

		runner := feed.NewRunner(feed.RunConfig{
			FromBlock:    cfg.FromBlock,
			ToBlock:      cfg.ToBlock,
			Addresses:    addresses,
			BatchSize:    cfg.BatchSize,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
		}, chainClient, decoder, checkpoint, errWriter, logger.Named("feed"))
		produce = runner.Run
	}

	logger.Info("pricer start",
		zap.String("quote_asset", cfg.QuoteAsset),
		zap.String("in", cfg.In),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Int("factories", len(factories)),
		zap.Int("bootstrap_pools", tokenGraph.PoolCount()),
		zap.String("out", cfg.Out),
		zap.Bool("postgres", pg != nil),
		zap.String("badger_path", cfg.BadgerPath),
		zap.Bool("clickhouse", cfg.ClickHouseDSN != ""),
	)

	msgs := make(chan model.PriceMsg, messageBuffer)
	tapped := make(chan model.PriceMsg, messageBuffer)
	quotes := make(chan *model.DexQuotes, quoteBuffer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(msgs)
		return produce(groupCtx, msgs)
	})
	group.Go(func() error {
		defer close(tapped)
		return recordPools(groupCtx, msgs, tapped, poolSink)
	})
	group.Go(func() error {
		return p.Run(groupCtx, tapped, quotes)
	})

	var blocks, priced int
	group.Go(func() error {
		for q := range quotes {
			if err := sink.PutQuotes(groupCtx, q); err != nil {
				return fmt.Errorf("write quotes for block %d: %w", q.Block, err)
			}
			blocks++
			priced += q.Len()
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("pricer complete",
		zap.Int("blocks", blocks),
		zap.Int("quotes", priced),
		zap.Int("subgraphs", p.Registry().Len()),
	)
	return nil
}

// bootstrapGraph builds the token graph from pools created before the first
// priced block and seeds the decoder's pool directory with the same set.
func bootstrapGraph(ctx context.Context, source storage.PoolSource, block uint64) (*graph.AllPairGraph, *dex.PoolDirectory, error) {
	known, err := source.ProtocolsCreatedBefore(ctx, block)
	if err != nil {
		return nil, nil, fmt.Errorf("load pools before %d: %w", block, err)
	}
	directory := dex.NewPoolDirectory()
	for id, pair := range known {
		directory.Set(model.PoolInfo{
			Address:  id.Address,
			Protocol: id.Protocol,
			Token0:   pair.Token0,
			Token1:   pair.Token1,
		})
	}
	return graph.FromPools(known), directory, nil
}

// recordPools forwards messages unchanged, upserting every discovered pool
// into sink on the way.
func recordPools(ctx context.Context, in <-chan model.PriceMsg, out chan<- model.PriceMsg, sink storage.PoolSink) error {
	for msg := range in {
		if sink != nil && msg.Kind == model.MsgDiscoveredPool && msg.Pool != nil {
			if err := sink.UpsertPools(ctx, []model.PoolInfo{*msg.Pool}); err != nil {
				return fmt.Errorf("record pool %s: %w", msg.Pool.Address.Hex(), err)
			}
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func openSubgraphStore(cfg config.Config, pg *postgres.Store, logger *zap.Logger) (storage.SubgraphStore, func(), error) {
	switch {
	case cfg.BadgerPath != "":
		store, err := badger.Open(cfg.BadgerPath, logger.Named("badger"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close badger failed", zap.Error(err))
			}
		}, nil
	case pg != nil:
		return pg, func() {}, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func openQuoteSinks(ctx context.Context, cfg config.Config) (storage.QuoteSink, func(), error) {
	jsonl, err := storage.NewJsonlQuoteSink(cfg.Out)
	if err != nil {
		return nil, nil, err
	}
	sinks := storage.MultiSink{jsonl}
	closers := []func() error{jsonl.Close}

	if cfg.ClickHouseDSN != "" {
		ch, err := clickhouse.Open(ctx, cfg.ClickHouseDSN, cfg.RunID)
		if err != nil {
			jsonl.Close()
			return nil, nil, err
		}
		sinks = append(sinks, ch)
		closers = append(closers, ch.Close)
	}

	return sinks, func() {
		for _, closeFn := range closers {
			_ = closeFn()
		}
	}, nil
}

func serveMetrics(addr string, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
