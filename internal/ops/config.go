// Package ops loads runtime configuration from a JSON file, with
// environment variables overriding secrets and risk limits so deployments
// never write credentials to disk.
package ops

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"github.com/bitwii/standx-maker-hedger/internal/closer"
	"github.com/bitwii/standx-maker-hedger/internal/fsm"
	"github.com/bitwii/standx-maker-hedger/internal/hedge"
	"github.com/bitwii/standx-maker-hedger/internal/risk"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Trading   TradingConfig   `json:"trading"`
	Strategy  StrategyConfig  `json:"strategy"`
	Risk      risk.Config     `json:"riskManagement"`
	Exchanges ExchangesConfig `json:"exchanges"`
	Journal   JournalConfig   `json:"journal"`
}

// TradingConfig describes the quoted instrument and cadence.
type TradingConfig struct {
	Symbol               string `json:"symbol"`
	OrderSize            string `json:"orderSize"`
	SpreadPct            string `json:"spreadPercentage"`
	Leverage             int    `json:"leverage"`
	MarginMode           string `json:"marginMode"`
	CheckIntervalSeconds int    `json:"checkIntervalSeconds"`
}

// StrategyConfig tunes quote maintenance, hedging and close-order behavior.
type StrategyConfig struct {
	CancelDistancePct       string `json:"cancelDistancePercentage"`
	CloseSpreadPct          string `json:"closeSpreadPercentage"`
	CloseAdjustThresholdPct string `json:"closeOrderUpdateThreshold"`
	ClosePositionOnShutdown bool   `json:"closePositionOnShutdown"`
	HedgeMaxAttempts        int    `json:"hedgeMaxAttempts"`
	HedgeRetryBackoffMs     int    `json:"hedgeRetryBackoffMs"`
	CloseRetriesPerPass     int    `json:"closeRetriesPerPass"`
	CloseRetryBaseSeconds   int    `json:"closeRetryBaseSeconds"`
	MaxCloseAttempts        int    `json:"maxCloseAttempts"`
	StateTimeoutSeconds     int    `json:"stateTimeoutSeconds"`
}

// ExchangesConfig holds per-venue endpoints. Credentials come from the
// environment, never from the file.
type ExchangesConfig struct {
	StandX  StandXConfig  `json:"standx"`
	Lighter LighterConfig `json:"lighter"`
}

// StandXConfig describes the maker venue.
type StandXConfig struct {
	TradeURL  string `json:"tradeUrl"`
	AuthURL   string `json:"authUrl"`
	StreamURL string `json:"streamUrl"`
	Chain     string `json:"chain"`
}

// LighterConfig describes the hedge venue.
type LighterConfig struct {
	Enabled *bool  `json:"enabled"`
	APIURL  string `json:"apiUrl"`
}

// JournalConfig enables the postgres fill journal when a DSN is present.
type JournalConfig struct {
	DSN string `json:"dsn"`
}

// Loaded is the resolved configuration ready for wiring. Percentages in
// the file are human-readable (0.1 means 0.1%) and are divided by 100
// here, so downstream code only ever sees fractions.
type Loaded struct {
	Symbol        string
	OrderSize     decimal.Decimal
	SpreadPct     decimal.Decimal
	Leverage      int
	MarginMode    string
	CheckInterval time.Duration

	CancelDistancePct       decimal.Decimal
	ClosePositionOnShutdown bool

	Risk   risk.Config
	Hedge  hedge.Config
	Closer closer.Config
	FSM    fsm.Config

	StandX  StandXRuntime
	Lighter LighterRuntime

	JournalDSN string
}

// StandXRuntime is the resolved maker-venue access config.
type StandXRuntime struct {
	TradeURL   string
	AuthURL    string
	StreamURL  string
	Chain      string
	PrivateKey string
}

// LighterRuntime is the resolved hedge-venue access config.
type LighterRuntime struct {
	Enabled     bool
	APIURL      string
	PrivateKey  string
	AccountIdx  int
	APIKeyIndex int
}

// Load reads a JSON config file and resolves it against the environment.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config file").With("path", path)
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "parse config file").With("path", path)
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	loaded := Loaded{
		Symbol:     stringOr(cfg.Trading.Symbol, "BTC-USD"),
		Leverage:   intOr(cfg.Trading.Leverage, 1),
		MarginMode: stringOr(cfg.Trading.MarginMode, "cross"),
		CheckInterval: time.Duration(intOr(cfg.Trading.CheckIntervalSeconds, 5)) *
			time.Second,
		ClosePositionOnShutdown: cfg.Strategy.ClosePositionOnShutdown,
		JournalDSN:              envOr("JOURNAL_DSN", cfg.Journal.DSN),
	}

	var err error
	if loaded.OrderSize, err = parseDecimal(cfg.Trading.OrderSize, "0.01"); err != nil {
		return Loaded{}, errors.Wrap(err, "trading.orderSize")
	}
	if !loaded.OrderSize.IsPositive() {
		return Loaded{}, errors.Errorf("trading.orderSize must be positive, got %s", loaded.OrderSize)
	}
	if loaded.SpreadPct, err = parsePct(cfg.Trading.SpreadPct, "0.1"); err != nil {
		return Loaded{}, errors.Wrap(err, "trading.spreadPercentage")
	}
	if loaded.CancelDistancePct, err = parsePct(cfg.Strategy.CancelDistancePct, "0.05"); err != nil {
		return Loaded{}, errors.Wrap(err, "strategy.cancelDistancePercentage")
	}

	closeSpread, err := parsePct(cfg.Strategy.CloseSpreadPct, "0.01")
	if err != nil {
		return Loaded{}, errors.Wrap(err, "strategy.closeSpreadPercentage")
	}
	adjustThreshold, err := parsePct(cfg.Strategy.CloseAdjustThresholdPct, "0.05")
	if err != nil {
		return Loaded{}, errors.Wrap(err, "strategy.closeOrderUpdateThreshold")
	}

	loaded.Risk = cfg.Risk
	if err := applyRiskEnv(&loaded.Risk); err != nil {
		return Loaded{}, err
	}

	loaded.Hedge = hedge.Config{
		MaxAttempts:  cfg.Strategy.HedgeMaxAttempts,
		RetryBackoff: time.Duration(cfg.Strategy.HedgeRetryBackoffMs) * time.Millisecond,
	}
	loaded.Closer = closer.Config{
		CloseSpreadPct:     closeSpread,
		AdjustThresholdPct: adjustThreshold,
		RetryBase:          time.Duration(cfg.Strategy.CloseRetryBaseSeconds) * time.Second,
		RetriesPerPass:     cfg.Strategy.CloseRetriesPerPass,
		MaxCloseAttempts:   cfg.Strategy.MaxCloseAttempts,
	}
	stateTimeout := time.Duration(cfg.Strategy.StateTimeoutSeconds) * time.Second
	loaded.FSM = fsm.Config{
		PlacingTimeout:    stateTimeout,
		CancellingTimeout: stateTimeout,
	}

	loaded.StandX = StandXRuntime{
		TradeURL:   envOr("STANDX_BASE_URL", stringOr(cfg.Exchanges.StandX.TradeURL, "https://perps.standx.com")),
		AuthURL:    envOr("STANDX_AUTH_URL", stringOr(cfg.Exchanges.StandX.AuthURL, "https://api.standx.com")),
		StreamURL:  cfg.Exchanges.StandX.StreamURL,
		Chain:      stringOr(cfg.Exchanges.StandX.Chain, "solana"),
		PrivateKey: os.Getenv("SOLANA_PRIVATE_KEY"),
	}
	if loaded.StandX.PrivateKey == "" {
		return Loaded{}, errors.New("required environment variable not set: SOLANA_PRIVATE_KEY")
	}

	lighterEnabled := true
	if cfg.Exchanges.Lighter.Enabled != nil {
		lighterEnabled = *cfg.Exchanges.Lighter.Enabled
	}
	loaded.Lighter = LighterRuntime{
		Enabled:    lighterEnabled,
		APIURL:     stringOr(cfg.Exchanges.Lighter.APIURL, "https://api.lighter.xyz"),
		PrivateKey: os.Getenv("LIGHTER_PRIVATE_KEY"),
	}
	if loaded.Lighter.AccountIdx, err = envInt("LIGHTER_ACCOUNT_INDEX", 0); err != nil {
		return Loaded{}, err
	}
	if loaded.Lighter.APIKeyIndex, err = envInt("LIGHTER_API_KEY_INDEX", 0); err != nil {
		return Loaded{}, err
	}
	if loaded.Lighter.Enabled && loaded.Lighter.PrivateKey == "" {
		return Loaded{}, errors.New("required environment variable not set: LIGHTER_PRIVATE_KEY")
	}

	return loaded, nil
}

// applyRiskEnv lets operators tighten position and loss limits without
// touching the config file.
func applyRiskEnv(cfg *risk.Config) error {
	if v := os.Getenv("MAX_POSITION_SIZE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return errors.Wrap(err, "parse MAX_POSITION_SIZE").With("value", v)
		}
		cfg.MaxPositionSize = d
	}
	if v := os.Getenv("MAX_DAILY_LOSS"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return errors.Wrap(err, "parse MAX_DAILY_LOSS").With("value", v)
		}
		cfg.MaxDailyLoss = d
	}
	return nil
}

var percentDivisor = decimal.NewFromInt(100)

// parsePct parses a human-readable percentage and converts it to a
// fraction, so "0.1" becomes 0.001.
func parsePct(raw, fallback string) (decimal.Decimal, error) {
	d, err := parseDecimal(raw, fallback)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if d.IsNegative() {
		return decimal.Decimal{}, errors.Errorf("percentage must not be negative, got %s", d)
	}
	return d.Div(percentDivisor), nil
}

func parseDecimal(raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse decimal %q", raw)
	}
	return d, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s value %q", name, v)
	}
	return n, nil
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
