package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func runFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.String("quote-asset", "", "")
	flags.Int("max-hops", 3, "")
	flags.String("min-liquidity", "0", "")
	flags.StringSlice("factory", nil, "")
	return flags
}

func TestLoadFlagsAndEnv(t *testing.T) {
	t.Setenv("PRICER_MAX_HOPS", "5")
	t.Setenv("PRICER_ADDRESS", "0x01, 0x02,,")
	t.Setenv("PRICER_TOPIC0_MAP", "0xabc=Sync,bad,0xdef=Swap")

	flags := runFlags()
	require.NoError(t, flags.Parse([]string{
		"--quote-asset", "0xc1",
		"--min-liquidity", "1500.25",
		"--factory", "0xf1,0xf2",
	}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "0xc1", cfg.QuoteAsset)
	require.Equal(t, 5, cfg.MaxHops)
	require.Equal(t, []string{"0x01", "0x02"}, cfg.Addresses)
	require.Equal(t, []string{"0xf1", "0xf2"}, cfg.Factories)
	require.Equal(t, map[string]string{"0xabc": "Sync", "0xdef": "Swap"}, cfg.Topic0Map)
	require.Equal(t, 0, cfg.MinLiquidity.Cmp(big.NewRat(600100, 400)))
	require.Equal(t, 2, cfg.MaxRequery)
	require.Equal(t, 30*time.Second, cfg.FetchTimeout)
	require.Equal(t, uint64(2000), cfg.BatchSize)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricer.yaml")
	body := "quote-asset: \"0xc1\"\nmax-requery: 0\nfetch-timeout: 5s\nfactory:\n  - \"0xf1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "0xc1", cfg.QuoteAsset)
	require.Equal(t, 0, cfg.MaxRequery)
	require.Equal(t, 5*time.Second, cfg.FetchTimeout)
	require.Equal(t, []string{"0xf1"}, cfg.Factories)
}

func TestLoadRejectsBadMinLiquidity(t *testing.T) {
	for _, value := range []string{"lots", "-1"} {
		flags := runFlags()
		require.NoError(t, flags.Parse([]string{"--min-liquidity", value}))
		_, err := Load("", flags)
		require.Error(t, err, value)
	}
}

func TestParseRat(t *testing.T) {
	got, err := ParseRat("")
	require.NoError(t, err)
	require.Equal(t, 0, got.Sign())

	got, err = ParseRat(" 0.125 ")
	require.NoError(t, err)
	require.Equal(t, 0, got.Cmp(big.NewRat(1, 8)))
}

func TestLoadDecodeDefaults(t *testing.T) {
	flags := pflag.NewFlagSet("decode", pflag.ContinueOnError)
	flags.String("in", "", "")
	require.NoError(t, flags.Parse([]string{"--in", "logs.jsonl"}))

	cfg, err := LoadDecode("", flags)
	require.NoError(t, err)
	require.Equal(t, "logs.jsonl", cfg.In)
	require.Equal(t, "./data/messages.jsonl", cfg.Out)
	require.Equal(t, "./data/decode_errors.jsonl", cfg.Errors)
	require.Empty(t, cfg.Topic0Map)
}
