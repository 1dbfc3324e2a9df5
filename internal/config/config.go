package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Feed      FeedConfig      `yaml:"feed"`
	Regime    RegimeConfig    `yaml:"regime"`
	Detector  DetectorConfig  `yaml:"detector"`
	Exits     ExitsConfig     `yaml:"exits"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type FeedConfig struct {
	RESTBaseURL    string        `yaml:"rest_base_url"`
	RESTTimeout    time.Duration `yaml:"rest_timeout"`
	WSURL          string        `yaml:"ws_url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// RegimeConfig tunes the quorum-of-confirmations entry gate.
type RegimeConfig struct {
	VIXLowThreshold      float64 `yaml:"vix_low_threshold"`
	MinBreadth           float64 `yaml:"min_breadth"`
	MinVolumeRatio       float64 `yaml:"min_volume_ratio"`
	MinSPYReturn         float64 `yaml:"min_spy_return"`
	RequireConfirmations int     `yaml:"require_confirmations"`
}

// DetectorConfig tunes the continuous regime context: VIX percentile rank and
// SPY distance from its long moving average, plus the threshold/size pairs the
// detector switches between.
type DetectorConfig struct {
	VIXSymbol               string  `yaml:"vix_symbol"`
	SPYSymbol               string  `yaml:"spy_symbol"`
	LookbackDays            int     `yaml:"lookback_days"`
	HighVIXPercentileCutoff float64 `yaml:"highvix_percentile_cutoff"`
	StressMultiplier        float64 `yaml:"stress_multiplier"`
	BaseConfidence          float64 `yaml:"base_confidence"`
	HighVIXConfidence       float64 `yaml:"highvix_confidence"`
	BaseSizeFraction        float64 `yaml:"base_size_fraction"`
	HighVIXSizeFraction     float64 `yaml:"highvix_size_fraction"`
}

type ExitsConfig struct {
	Tier1ReturnThreshold float64       `yaml:"tier1_return_threshold"`
	Tier1LockFraction    float64       `yaml:"tier1_lock_fraction"`
	Tier1WindowStart     string        `yaml:"tier1_window_start"`
	Tier2SpikeThreshold  float64       `yaml:"tier2_spike_threshold"`
	Tier2SpikeWindow     time.Duration `yaml:"tier2_spike_window"`
	Tier2CloseFraction   float64       `yaml:"tier2_close_fraction"`
	StopLossReturn       float64       `yaml:"stop_loss_return"`
	MaxQuoteAge          time.Duration `yaml:"max_quote_age"`
	AdjustmentHalfLife   int           `yaml:"adjustment_half_life"`
}

type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Symbols  []string      `yaml:"symbols"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/tier-exit-bot.db"
	}
	if cfg.Feed.RESTTimeout == 0 {
		cfg.Feed.RESTTimeout = 10 * time.Second
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	if cfg.Regime.VIXLowThreshold == 0 {
		cfg.Regime.VIXLowThreshold = 20
	}
	if cfg.Regime.MinBreadth == 0 {
		cfg.Regime.MinBreadth = 0.55
	}
	if cfg.Regime.MinVolumeRatio == 0 {
		cfg.Regime.MinVolumeRatio = 1.5
	}
	if cfg.Regime.MinSPYReturn == 0 {
		cfg.Regime.MinSPYReturn = 0.01
	}
	if cfg.Regime.RequireConfirmations == 0 {
		cfg.Regime.RequireConfirmations = 2
	}
	if cfg.Detector.VIXSymbol == "" {
		cfg.Detector.VIXSymbol = "VIX"
	}
	if cfg.Detector.SPYSymbol == "" {
		cfg.Detector.SPYSymbol = "SPY"
	}
	if cfg.Detector.LookbackDays == 0 {
		cfg.Detector.LookbackDays = 365
	}
	if cfg.Detector.HighVIXPercentileCutoff == 0 {
		cfg.Detector.HighVIXPercentileCutoff = 0.80
	}
	if cfg.Detector.StressMultiplier == 0 {
		cfg.Detector.StressMultiplier = 0.90
	}
	if cfg.Detector.BaseConfidence == 0 {
		cfg.Detector.BaseConfidence = 0.60
	}
	if cfg.Detector.HighVIXConfidence == 0 {
		cfg.Detector.HighVIXConfidence = 0.75
	}
	if cfg.Detector.BaseSizeFraction == 0 {
		cfg.Detector.BaseSizeFraction = 1.0
	}
	if cfg.Detector.HighVIXSizeFraction == 0 {
		cfg.Detector.HighVIXSizeFraction = 0.5
	}
	if cfg.Exits.Tier1ReturnThreshold == 0 {
		cfg.Exits.Tier1ReturnThreshold = 0.02
	}
	if cfg.Exits.Tier1LockFraction == 0 {
		cfg.Exits.Tier1LockFraction = 0.5
	}
	if cfg.Exits.Tier1WindowStart == "" {
		cfg.Exits.Tier1WindowStart = "15:30"
	}
	if cfg.Exits.Tier2SpikeThreshold == 0 {
		cfg.Exits.Tier2SpikeThreshold = 0.015
	}
	if cfg.Exits.Tier2SpikeWindow == 0 {
		cfg.Exits.Tier2SpikeWindow = 5 * time.Minute
	}
	if cfg.Exits.Tier2CloseFraction == 0 {
		cfg.Exits.Tier2CloseFraction = 1.0
	}
	if cfg.Exits.StopLossReturn == 0 {
		cfg.Exits.StopLossReturn = -0.03
	}
	if cfg.Exits.MaxQuoteAge == 0 {
		cfg.Exits.MaxQuoteAge = 2 * time.Minute
	}
	if cfg.Exits.AdjustmentHalfLife == 0 {
		cfg.Exits.AdjustmentHalfLife = 20
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = time.Minute
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func validate(cfg *Config) error {
	if cfg.Regime.RequireConfirmations < 1 || cfg.Regime.RequireConfirmations > 4 {
		return errors.New("regime.require_confirmations must be between 1 and 4")
	}
	if cfg.Detector.HighVIXPercentileCutoff < 0 || cfg.Detector.HighVIXPercentileCutoff > 1 {
		return errors.New("detector.highvix_percentile_cutoff must be in [0,1]")
	}
	if cfg.Detector.StressMultiplier <= 0 || cfg.Detector.StressMultiplier > 1 {
		return errors.New("detector.stress_multiplier must be in (0,1]")
	}
	if cfg.Exits.Tier1LockFraction <= 0 || cfg.Exits.Tier1LockFraction > 1 {
		return errors.New("exits.tier1_lock_fraction must be in (0,1]")
	}
	if cfg.Exits.Tier2CloseFraction <= 0 || cfg.Exits.Tier2CloseFraction > 1 {
		return errors.New("exits.tier2_close_fraction must be in (0,1]")
	}
	if cfg.Exits.StopLossReturn >= 0 {
		return errors.New("exits.stop_loss_return must be negative")
	}
	if _, _, err := ParseClock(cfg.Exits.Tier1WindowStart); err != nil {
		return fmt.Errorf("exits.tier1_window_start: %w", err)
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

// ParseClock parses an HH:MM wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock %q", s)
	}
	return hour, minute, nil
}
