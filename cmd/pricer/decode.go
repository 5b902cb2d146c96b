package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dexPricing/internal/chain"
	"dexPricing/internal/config"
	"dexPricing/internal/dex"
	"dexPricing/internal/feed"
	"dexPricing/internal/storage"
)

func runDecode(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadDecode(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.In == "" {
		return fmt.Errorf("input path is required")
	}
	if cfg.Out == "" {
		return fmt.Errorf("output path is required")
	}

	factories, err := feed.ParseAddresses(cfg.Factories)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var caller ethereum.ContractCaller
	if cfg.RPCURL != "" {
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()
		caller = chainClient
	}

	decoder, err := dex.NewDecoder(dex.DecoderConfig{
		Topic0Map: cfg.Topic0Map,
		Factories: factories,
	}, nil, caller, logger.Named("decoder"))
	if err != nil {
		return err
	}

	inputFile, err := os.Open(cfg.In)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer inputFile.Close()

	outWriter, err := storage.NewJsonlWriter(cfg.Out, false)
	if err != nil {
		return err
	}
	defer outWriter.Close()

	var errWriter feed.ErrorWriter
	if cfg.Errors != "" {
		w, err := storage.NewJsonlWriter(cfg.Errors, false)
		if err != nil {
			return err
		}
		defer w.Close()
		errWriter = w
	}

	logger.Info("decode start",
		zap.String("in", cfg.In),
		zap.String("out", cfg.Out),
		zap.String("errors", cfg.Errors),
		zap.Int("factories", len(factories)),
		zap.Bool("resolve_pools", caller != nil),
	)

	stats, err := feed.DecodeStream(ctx, decoder, inputFile, outWriter, errWriter, logger)
	if err != nil {
		return err
	}

	logger.Info("decode complete",
		zap.Int("logs", stats.Logs),
		zap.Int("messages", stats.Messages),
		zap.Int("failed", stats.Failed),
	)
	return nil
}
