// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks settings the system refuses to run with.
var ErrConfiguration = errors.New("invalid configuration")

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Feed describes where price history comes from.
type Feed struct {
	Provider       string `yaml:"provider"` // stub | csv | binance
	CSVDir         string `yaml:"csv_dir"`
	StalenessMaxMs int    `yaml:"staleness_max_ms"`
	CallTimeoutMs  int    `yaml:"call_timeout_ms"`
}

// StalenessMax returns the feed staleness bound as a duration.
func (f Feed) StalenessMax() time.Duration { return time.Duration(f.StalenessMaxMs) * time.Millisecond }

// CallTimeout bounds individual feed calls.
func (f Feed) CallTimeout() time.Duration { return time.Duration(f.CallTimeoutMs) * time.Millisecond }

// PairConfig declares one tradeable pair plus optional per-pair threshold overrides.
type PairConfig struct {
	LegA                 string   `yaml:"leg_a"`
	LegB                 string   `yaml:"leg_b"`
	EntryThreshold       *float64 `yaml:"entry_threshold,omitempty"`
	ExitThreshold        *float64 `yaml:"exit_threshold,omitempty"`
	RegimeBreakThreshold *float64 `yaml:"regime_break_threshold,omitempty"`
}

// Strategy groups the signal state machine thresholds shared by every pair
// unless overridden per pair.
type Strategy struct {
	EntryThreshold       float64 `yaml:"entry_threshold"`
	ExitThreshold        float64 `yaml:"exit_threshold"`
	RegimeBreakThreshold float64 `yaml:"regime_break_threshold"`
	SentimentWeight      float64 `yaml:"sentiment_weight"`
}

// Sizing controls the fractional-Kelly allocation math.
type Sizing struct {
	KellyFraction          float64 `yaml:"kelly_fraction"`
	MaxSingleTradeFraction float64 `yaml:"max_single_trade_fraction"`
	MaxGrossExposure       float64 `yaml:"max_gross_exposure"`
}

// Risk encodes the veto thresholds applied by the risk gate.
type Risk struct {
	CorrelationConcentrationThreshold float64 `yaml:"correlation_concentration_threshold"`
	CorrelatedExposureCap             float64 `yaml:"correlated_exposure_cap"`
}

// Execution tunes the slippage and fee model of the fill simulator.
type Execution struct {
	BaseSlippageBps   float64 `yaml:"base_slippage_bps"`
	ImpactCoefficient float64 `yaml:"impact_coefficient"`
	FeeBps            float64 `yaml:"fee_bps"`
	FeeFlat           float64 `yaml:"fee_flat"`
	Capital           float64 `yaml:"capital"`
}

// Journal selects where fills and decisions are persisted.
type Journal struct {
	FillsPath     string `yaml:"fills_path"`
	DecisionsPath string `yaml:"decisions_path"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// Cycle controls evaluation cadence and the per-cycle barrier timeout.
type Cycle struct {
	IntervalMs    int `yaml:"interval_ms"`
	TimeoutMs     int `yaml:"timeout_ms"`
	RollingWindow int `yaml:"rolling_window"`
}

// Interval is the cadence between evaluation cycles.
func (c Cycle) Interval() time.Duration { return time.Duration(c.IntervalMs) * time.Millisecond }

// Timeout bounds one cycle's barrier wait.
func (c Cycle) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App          `yaml:"app"`
	Feed      Feed         `yaml:"feed"`
	Pairs     []PairConfig `yaml:"pairs"`
	Strategy  Strategy     `yaml:"strategy"`
	Sizing    Sizing       `yaml:"sizing"`
	Risk      Risk         `yaml:"risk"`
	Execution Execution    `yaml:"execution"`
	Journal   Journal      `yaml:"journal"`
	Cycle     Cycle        `yaml:"cycle"`
}

// Default returns the documented baseline configuration.
func Default() Config {
	return Config{
		App: App{Name: "statarb", Env: "dev", MetricsAddr: ":9109", LogLevel: "info"},
		Feed: Feed{
			Provider:       "stub",
			StalenessMaxMs: 120_000,
			CallTimeoutMs:  5_000,
		},
		Strategy: Strategy{
			EntryThreshold:       2.0,
			ExitThreshold:        0.5,
			RegimeBreakThreshold: 3.0,
			SentimentWeight:      0.0,
		},
		Sizing: Sizing{
			KellyFraction:          0.5,
			MaxSingleTradeFraction: 0.20,
			MaxGrossExposure:       1.0,
		},
		Risk: Risk{
			CorrelationConcentrationThreshold: 0.90,
			CorrelatedExposureCap:             0.35,
		},
		Execution: Execution{
			BaseSlippageBps:   10,
			ImpactCoefficient: 25,
			FeeBps:            1,
			Capital:           1_000_000,
		},
		Journal: Journal{
			FillsPath:     "data/fills.jsonl",
			DecisionsPath: "data/decisions.jsonl",
		},
		Cycle: Cycle{
			IntervalMs:    30_000,
			TimeoutMs:     10_000,
			RollingWindow: 20,
		},
	}
}

// Load reads a YAML file from disk and hydrates a Config struct on top of defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run under. Failures here are
// fatal at startup.
func (c *Config) Validate() error {
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if err := check(len(c.Pairs) > 0, "at least one pair required"); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Pairs))
	for _, p := range c.Pairs {
		if err := check(p.LegA != "" && p.LegB != "", "pair legs must be non-empty"); err != nil {
			return err
		}
		if err := check(p.LegA != p.LegB, "pair %s/%s has identical legs", p.LegA, p.LegB); err != nil {
			return err
		}
		id := p.LegA + "/" + p.LegB
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate pair %s", ErrConfiguration, id)
		}
		seen[id] = struct{}{}

		entry, exit, brk := c.Thresholds(p)
		if err := check(exit < entry, "pair %s: exit_threshold %.2f must be below entry_threshold %.2f", id, exit, entry); err != nil {
			return err
		}
		if err := check(entry < brk, "pair %s: entry_threshold %.2f must be below regime_break_threshold %.2f", id, entry, brk); err != nil {
			return err
		}
		if err := check(exit >= 0, "pair %s: exit_threshold must be non-negative", id); err != nil {
			return err
		}
	}

	if err := check(c.Cycle.RollingWindow >= 2, "rolling_window must be at least 2"); err != nil {
		return err
	}
	if err := check(c.Cycle.TimeoutMs > 0, "cycle timeout must be positive"); err != nil {
		return err
	}
	if err := check(c.Sizing.KellyFraction > 0 && c.Sizing.KellyFraction <= 1, "kelly_fraction must be in (0,1]"); err != nil {
		return err
	}
	if err := check(c.Sizing.MaxSingleTradeFraction > 0 && c.Sizing.MaxSingleTradeFraction <= c.Sizing.MaxGrossExposure,
		"max_single_trade_fraction must be positive and not exceed max_gross_exposure"); err != nil {
		return err
	}
	if err := check(c.Sizing.MaxGrossExposure > 0, "max_gross_exposure must be positive"); err != nil {
		return err
	}
	if err := check(c.Risk.CorrelationConcentrationThreshold > 0 && c.Risk.CorrelationConcentrationThreshold <= 1,
		"correlation_concentration_threshold must be in (0,1]"); err != nil {
		return err
	}
	if err := check(c.Risk.CorrelatedExposureCap > 0, "correlated_exposure_cap must be positive"); err != nil {
		return err
	}
	if err := check(c.Execution.Capital > 0, "execution capital must be positive"); err != nil {
		return err
	}
	if err := check(c.Execution.BaseSlippageBps >= 0 && c.Execution.ImpactCoefficient >= 0, "slippage parameters must be non-negative"); err != nil {
		return err
	}
	return nil
}

// Thresholds resolves the effective entry/exit/regime-break thresholds for a
// pair, applying per-pair overrides on top of the shared strategy block.
func (c *Config) Thresholds(p PairConfig) (entry, exit, regimeBreak float64) {
	entry, exit, regimeBreak = c.Strategy.EntryThreshold, c.Strategy.ExitThreshold, c.Strategy.RegimeBreakThreshold
	if p.EntryThreshold != nil {
		entry = *p.EntryThreshold
	}
	if p.ExitThreshold != nil {
		exit = *p.ExitThreshold
	}
	if p.RegimeBreakThreshold != nil {
		regimeBreak = *p.RegimeBreakThreshold
	}
	return entry, exit, regimeBreak
}
