package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PRICER"

// Config holds the run command's settings loaded from flags, env, or config file.
type Config struct {
	RPCURL     string
	In         string
	Out        string
	QuoteAsset string
	RunID      uint64

	FromBlock  uint64
	ToBlock    uint64
	Addresses  []string
	Factories  []string
	BatchSize  uint64
	Checkpoint string
	Errors     string
	Topic0Map  map[string]string

	MaxHops        int
	MaxPaths       int
	MinLiquidity   *big.Rat
	MaxTasks       int
	MaxBlocksAhead int
	MaxRequery     int
	FetchTimeout   time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration

	PGDSN         string
	BadgerPath    string
	ClickHouseDSN string
	MetricsAddr   string
	LogLevel      string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"out":              "./data/quotes.jsonl",
		"batch-size":       uint64(2000),
		"checkpoint":       "./data/checkpoint.json",
		"max-hops":         3,
		"max-paths":        8,
		"min-liquidity":    "0",
		"max-tasks":        64,
		"max-blocks-ahead": 8,
		"max-requery":      2,
		"fetch-timeout":    30 * time.Second,
		"max-retries":      5,
		"retry-backoff":    500 * time.Millisecond,
		"log-level":        "info",
	})
	if err != nil {
		return Config{}, err
	}

	minLiquidity, err := ParseRat(v.GetString("min-liquidity"))
	if err != nil {
		return Config{}, fmt.Errorf("min-liquidity: %w", err)
	}

	cfg := Config{
		RPCURL:         v.GetString("rpc"),
		In:             v.GetString("in"),
		Out:            v.GetString("out"),
		QuoteAsset:     v.GetString("quote-asset"),
		RunID:          v.GetUint64("run-id"),
		FromBlock:      v.GetUint64("from"),
		ToBlock:        v.GetUint64("to"),
		Addresses:      getStringSlice(v, "address"),
		Factories:      getStringSlice(v, "factory"),
		BatchSize:      v.GetUint64("batch-size"),
		Checkpoint:     v.GetString("checkpoint"),
		Errors:         v.GetString("errors"),
		Topic0Map:      getStringMap(v, "topic0-map"),
		MaxHops:        v.GetInt("max-hops"),
		MaxPaths:       v.GetInt("max-paths"),
		MinLiquidity:   minLiquidity,
		MaxTasks:       v.GetInt("max-tasks"),
		MaxBlocksAhead: v.GetInt("max-blocks-ahead"),
		MaxRequery:     v.GetInt("max-requery"),
		FetchTimeout:   v.GetDuration("fetch-timeout"),
		MaxRetries:     v.GetInt("max-retries"),
		RetryBackoff:   v.GetDuration("retry-backoff"),
		PGDSN:          v.GetString("pg-dsn"),
		BadgerPath:     v.GetString("badger-path"),
		ClickHouseDSN:  v.GetString("clickhouse-dsn"),
		MetricsAddr:    v.GetString("metrics-addr"),
		LogLevel:       v.GetString("log-level"),
	}

	return cfg, nil
}

// ParseRat reads a non-negative decimal such as "1500" or "0.25" exactly.
func ParseRat(input string) (*big.Rat, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return new(big.Rat), nil
	}
	d, err := decimal.NewFromString(input)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("must not be negative: %s", input)
	}
	return d.Rat(), nil
}

func newViper(cfgFile string, flags *pflag.FlagSet, defaults map[string]interface{}) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	return cleanStrings(strings.Split(input, ","))
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// parseStringMap reads "k=v,k2=v2", skipping malformed entries.
func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(input, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
