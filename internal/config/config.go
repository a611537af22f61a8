// Package config loads and validates the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// ErrInvalid is the kind every validation failure wraps. The CLI maps it to
// exit code 2.
var ErrInvalid = errors.New("config: invalid")

const (
	defaultTimezone            = "Asia/Kolkata"
	defaultDecisionIntervalSec = 60
	defaultRiskLoopIntervalSec = 1
	defaultNamespace           = "scalper:v1"
	defaultHistoryRatePerMin   = 20
)

// Config is the complete engine configuration.
type Config struct {
	Global  GlobalConfig            `yaml:"global"`
	Paper   PaperConfig             `yaml:"paper"`
	Live    LiveConfig              `yaml:"live"`
	Redis   RedisConfig             `yaml:"redis"`
	History HistoryConfig           `yaml:"history"`
	Symbols map[string]SymbolConfig `yaml:"symbols"`
}

// GlobalConfig holds the session, risk, and sizing knobs shared by every mode.
type GlobalConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error

	SessionHours []string `yaml:"session_hours"` // [HH:MM, HH:MM]
	Timezone     string   `yaml:"timezone"`

	DecisionIntervalSec int `yaml:"decision_interval_sec"`
	RiskLoopIntervalSec int `yaml:"risk_loop_interval_sec"`

	TPPct                  decimal.Decimal `yaml:"tp_pct"`
	SLPct                  decimal.Decimal `yaml:"sl_pct"`
	TrailPct               decimal.Decimal `yaml:"trail_pct"`
	TimeStopSeconds        int             `yaml:"time_stop_seconds"`
	MaxDailyLossRs         decimal.Decimal `yaml:"max_daily_loss_rs"`
	CooldownAfterLossSec   int             `yaml:"cooldown_after_loss_seconds"`
	EnableTimeStop         bool            `yaml:"enable_time_stop"`
	EnableTrailingStop     bool            `yaml:"enable_trailing_stop"`
	EnableDailyLossCap     bool            `yaml:"enable_daily_loss_cap"`
	EnableCooldown         bool            `yaml:"enable_cooldown"`
	AllocationPct          decimal.Decimal `yaml:"allocation_pct"`
	MaxLotsPerTrade        int             `yaml:"max_lots_per_trade"`
	MinPremiumPrice        decimal.Decimal `yaml:"min_premium_price"`
	SlippageBufferPct      decimal.Decimal `yaml:"slippage_buffer_pct"`
	ChargePerOrder         decimal.Decimal `yaml:"charge_per_order"`
	UseMultiTimeframe      bool            `yaml:"use_multi_timeframe"`
	SecondaryTimeframeMins int             `yaml:"secondary_timeframe"`
}

// PaperConfig seeds the simulated wallet.
type PaperConfig struct {
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
}

// LiveConfig holds the broker API credentials and endpoints.
type LiveConfig struct {
	BaseURL     string `yaml:"base_url"`
	FeedURL     string `yaml:"feed_url"`
	AccessToken string `yaml:"access_token"`
	ClientID    string `yaml:"client_id"`
}

// RedisConfig selects the KV backend. An empty addr means the in-process
// store, which is only valid for paper mode.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// HistoryConfig tunes the historical candle fetcher.
type HistoryConfig struct {
	BaseURL       string `yaml:"base_url"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

// SymbolConfig describes one tradable underlying.
type SymbolConfig struct {
	IdxSID        string          `yaml:"idx_sid"`
	SegIdx        string          `yaml:"seg_idx"`
	SegOpt        string          `yaml:"seg_opt"`
	StrikeStep    float64         `yaml:"strike_step"`
	LotSize       int             `yaml:"lot_size"`
	ExpiryWday    int             `yaml:"expiry_wday"` // 0=Sunday .. 6=Saturday
	QtyMultiplier decimal.Decimal `yaml:"qty_multiplier"`
}

// Load reads, expands, parses, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrInvalid, err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Global.Mode == "" {
		c.Global.Mode = "paper"
	}
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = "info"
	}
	if c.Global.Timezone == "" {
		c.Global.Timezone = defaultTimezone
	}
	if c.Global.DecisionIntervalSec == 0 {
		c.Global.DecisionIntervalSec = defaultDecisionIntervalSec
	}
	if c.Global.RiskLoopIntervalSec == 0 {
		c.Global.RiskLoopIntervalSec = defaultRiskLoopIntervalSec
	}
	if c.Global.SecondaryTimeframeMins == 0 {
		c.Global.SecondaryTimeframeMins = 5
	}
	if c.Redis.Namespace == "" {
		c.Redis.Namespace = defaultNamespace
	}
	if c.History.RatePerMinute == 0 {
		c.History.RatePerMinute = defaultHistoryRatePerMin
	}
}

// Validate checks the configuration for consistency. All failures wrap
// ErrInvalid.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.Global.Mode != "paper" && c.Global.Mode != "live" {
		return fail("global.mode must be 'paper' or 'live', got %q", c.Global.Mode)
	}
	if _, err := time.LoadLocation(c.Global.Timezone); err != nil {
		return fail("global.timezone %q: %v", c.Global.Timezone, err)
	}
	start, end, err := c.sessionWindow()
	if err != nil {
		return fail("global.session_hours: %v", err)
	}
	if !start.Before(end) {
		return fail("global.session_hours: start %s must be before end %s",
			c.Global.SessionHours[0], c.Global.SessionHours[1])
	}

	if c.Global.ChargePerOrder.LessThanOrEqual(decimal.Zero) {
		return fail("global.charge_per_order must be > 0")
	}
	if c.Global.AllocationPct.LessThanOrEqual(decimal.Zero) || c.Global.AllocationPct.GreaterThan(decimal.NewFromInt(1)) {
		return fail("global.allocation_pct must be in (0, 1]")
	}
	if c.Global.SlippageBufferPct.IsNegative() || c.Global.SlippageBufferPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fail("global.slippage_buffer_pct must be in [0, 1)")
	}
	if c.Global.MaxLotsPerTrade <= 0 {
		return fail("global.max_lots_per_trade must be > 0")
	}
	if c.Global.TPPct.LessThanOrEqual(decimal.Zero) || c.Global.SLPct.LessThanOrEqual(decimal.Zero) {
		return fail("global.tp_pct and global.sl_pct must be > 0")
	}
	switch c.Global.SecondaryTimeframeMins {
	case 1, 5, 15, 25, 60:
	default:
		return fail("global.secondary_timeframe must be one of 1, 5, 15, 25, 60")
	}

	if c.Paper.StartingBalance.LessThanOrEqual(decimal.Zero) {
		return fail("paper.starting_balance must be > 0")
	}
	if c.Global.Mode == "live" {
		if c.Live.AccessToken == "" || c.Live.ClientID == "" {
			return fail("live.access_token and live.client_id are required in live mode")
		}
		if c.Live.BaseURL == "" {
			return fail("live.base_url is required in live mode")
		}
		if c.Redis.Addr == "" {
			return fail("redis.addr is required in live mode")
		}
	}

	if len(c.Symbols) == 0 {
		return fail("at least one symbol is required")
	}
	for name, sym := range c.Symbols {
		if sym.IdxSID == "" || sym.SegIdx == "" || sym.SegOpt == "" {
			return fail("symbols.%s: idx_sid, seg_idx, and seg_opt are required", name)
		}
		if sym.StrikeStep <= 0 {
			return fail("symbols.%s: strike_step must be > 0", name)
		}
		if sym.LotSize <= 0 {
			return fail("symbols.%s: lot_size must be > 0", name)
		}
		if sym.ExpiryWday < 0 || sym.ExpiryWday > 6 {
			return fail("symbols.%s: expiry_wday must be in [0, 6]", name)
		}
	}
	return nil
}

// IsPaperTrading reports whether the engine runs against the simulated broker.
func (c *Config) IsPaperTrading() bool {
	return c.Global.Mode == "paper"
}

// Location returns the configured trading timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Global.Timezone)
	if err != nil {
		// IST has no DST, so the fixed offset is always correct.
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// DecisionInterval returns the signal engine cadence.
func (c *Config) DecisionInterval() time.Duration {
	return time.Duration(c.Global.DecisionIntervalSec) * time.Second
}

// RiskLoopInterval returns the risk manager cadence.
func (c *Config) RiskLoopInterval() time.Duration {
	return time.Duration(c.Global.RiskLoopIntervalSec) * time.Second
}

// IsWithinSessionHours reports whether now falls inside the configured
// trading window. Weekends are always outside.
func (c *Config) IsWithinSessionHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, endClock, err := c.sessionWindow()
	if err != nil {
		return false
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end.
	return !today.Before(start) && today.Before(end)
}

func (c *Config) sessionWindow() (start, end time.Time, err error) {
	if len(c.Global.SessionHours) != 2 {
		return start, end, fmt.Errorf("expected [HH:MM, HH:MM], got %v", c.Global.SessionHours)
	}
	if start, err = time.Parse("15:04", c.Global.SessionHours[0]); err != nil {
		return start, end, fmt.Errorf("start %q: %w", c.Global.SessionHours[0], err)
	}
	if end, err = time.Parse("15:04", c.Global.SessionHours[1]); err != nil {
		return start, end, fmt.Errorf("end %q: %w", c.Global.SessionHours[1], err)
	}
	return start, end, nil
}

// SymbolNames returns the configured underlyings in stable order.
func (c *Config) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for name := range c.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy safe to print: credentials are masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.Live.AccessToken != "" {
		out.Live.AccessToken = "***"
	}
	if out.Redis.Password != "" {
		out.Redis.Password = "***"
	}
	return out
}
