// Package config loads runtime settings from NEXUS_* environment
// variables. Flags in cmd/nexus may override individual fields after Load.
package config

import (
	"encoding/json"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/you/stream-nexus/internal/exchange"
)

type Config struct {
	Addr          string   `env:"NEXUS_ADDR" envDefault:"127.0.0.1:1350"`
	DBPath        string   `env:"NEXUS_DB_PATH" envDefault:"nexus.db"`
	LayoutsDir    string   `env:"NEXUS_LAYOUTS_DIR" envDefault:"layouts"`
	RatesURL      string   `env:"NEXUS_RATES_URL"`
	RatesFallback string   `env:"NEXUS_RATES_FALLBACK" envDefault:"exchange_rates.xml"`
	CORSOrigins   []string `env:"NEXUS_CORS_ORIGINS" envSeparator:","`
	RateRPS       int      `env:"NEXUS_RATE_RPS" envDefault:"0"`
	RateBurst     int      `env:"NEXUS_RATE_BURST" envDefault:"0"`
	WatchLayouts  bool     `env:"NEXUS_WATCH_LAYOUTS" envDefault:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	if cfg.RatesURL == "" {
		cfg.RatesURL = exchange.DefaultRatesURL
	}
	cfg.CORSOrigins = trimList(cfg.CORSOrigins)
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("listen address must not be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("database path must not be empty")
	}
	if strings.TrimSpace(c.LayoutsDir) == "" {
		return errors.New("layouts directory must not be empty")
	}
	if c.RateRPS < 0 || c.RateBurst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	return nil
}

// Redacted returns the startup-log view of the configuration.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"addr":           c.Addr,
		"db_path":        c.DBPath,
		"layouts_dir":    c.LayoutsDir,
		"rates_url":      c.RatesURL,
		"rates_fallback": c.RatesFallback,
		"cors_origins":   append([]string(nil), c.CORSOrigins...),
		"rate_rps":       c.RateRPS,
		"rate_burst":     c.RateBurst,
		"watch_layouts":  c.WatchLayouts,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func trimList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
