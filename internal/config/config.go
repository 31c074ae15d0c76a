package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"transitsync/internal/storage"
)

// Config holds application configuration from a YAML file and environment
// overrides.
type Config struct {
	DBPath   string `yaml:"db_path" validate:"required"`
	Addr     string `yaml:"addr"` // status server; empty disables it
	Timezone string `yaml:"timezone" validate:"omitempty,timezone"`
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Modes    []ModeConfig    `yaml:"modes" validate:"unique=Name,dive"`
	Counters *CountersConfig `yaml:"counters"`
	Stations *StationsConfig `yaml:"stations"`
}

// ModeConfig configures one transport mode.
type ModeConfig struct {
	Name                string        `yaml:"name" validate:"required,mode"`
	StaticDir           string        `yaml:"static_dir" validate:"required"`
	StaticURL           string        `yaml:"static_url" validate:"omitempty,url"`
	VehiclePositionsURL string        `yaml:"vehicle_positions_url" validate:"omitempty,url"`
	TripUpdatesURL      string        `yaml:"trip_updates_url" validate:"omitempty,url"`
	FeedFormat          string        `yaml:"feed_format" validate:"omitempty,oneof=json protobuf"`
	Timezone            string        `yaml:"timezone" validate:"omitempty,timezone"`
	VehicleCapacity     int           `yaml:"vehicle_capacity" validate:"gte=0"`
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// CountersConfig configures the traffic-counter export poller.
type CountersConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Token             string        `yaml:"token"`
	Schema            string        `yaml:"schema"`
	Granularity       string        `yaml:"granularity"`
	SiteIDs           []string      `yaml:"site_ids" validate:"min=1,dive,required"`
	ValidatedDataOnly bool          `yaml:"validated_data_only"`
	GapFilling        bool          `yaml:"gap_filling"`
	ValidateSchema    bool          `yaml:"validate_schema"`
	Interval          time.Duration `yaml:"interval" validate:"gte=0"`
}

// StationsConfig configures the bike-station feed poller.
type StationsConfig struct {
	InformationURL string        `yaml:"information_url" validate:"omitempty,url"`
	StatusURL      string        `yaml:"status_url" validate:"omitempty,url"`
	Interval       time.Duration `yaml:"interval" validate:"gte=0"`
}

const (
	DefaultVehicleCapacity = 80
	DefaultPollInterval    = 60 * time.Second
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("mode", func(fl validator.FieldLevel) bool {
		return storage.ValidMode(fl.Field().String())
	})
	return v
}

// Load reads the YAML file at path, applies TRANSITSYNC_* environment
// overrides and defaults, and validates the result. An empty path starts
// from defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = envStr("TRANSITSYNC_DB_PATH", c.DBPath)
	c.Addr = envStr("TRANSITSYNC_ADDR", c.Addr)
	c.Timezone = envStr("TRANSITSYNC_TIMEZONE", c.Timezone)
	c.LogLevel = envStr("TRANSITSYNC_LOG_LEVEL", c.LogLevel)

	for i := range c.Modes {
		m := &c.Modes[i]
		prefix := "TRANSITSYNC_" + strings.ToUpper(m.Name) + "_"
		m.StaticDir = envStr(prefix+"STATIC_DIR", m.StaticDir)
		m.StaticURL = envStr(prefix+"STATIC_URL", m.StaticURL)
		m.VehiclePositionsURL = envStr(prefix+"VEHICLE_POSITIONS_URL", m.VehiclePositionsURL)
		m.TripUpdatesURL = envStr(prefix+"TRIP_UPDATES_URL", m.TripUpdatesURL)
		m.FeedFormat = envStr(prefix+"FEED_FORMAT", m.FeedFormat)
		m.VehicleCapacity = envInt(prefix+"VEHICLE_CAPACITY", m.VehicleCapacity)
	}

	if c.Counters != nil {
		c.Counters.BaseURL = envStr("TRANSITSYNC_COUNTERS_BASE_URL", c.Counters.BaseURL)
		c.Counters.Token = envStr("TRANSITSYNC_COUNTERS_TOKEN", c.Counters.Token)
		c.Counters.ValidatedDataOnly = envBool("TRANSITSYNC_COUNTERS_VALIDATED_ONLY", c.Counters.ValidatedDataOnly)
		c.Counters.GapFilling = envBool("TRANSITSYNC_COUNTERS_GAP_FILLING", c.Counters.GapFilling)
	}
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "./transitsync.db"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Modes {
		m := &c.Modes[i]
		if m.FeedFormat == "" {
			m.FeedFormat = "json"
		}
		if m.Timezone == "" {
			m.Timezone = c.Timezone
		}
		if m.VehicleCapacity == 0 {
			m.VehicleCapacity = DefaultVehicleCapacity
		}
		if m.PollInterval == 0 {
			m.PollInterval = DefaultPollInterval
		}
	}
	if c.Counters != nil {
		if c.Counters.Schema == "" {
			c.Counters.Schema = "counts"
		}
		if c.Counters.Granularity == "" {
			c.Counters.Granularity = "hour"
		}
		if c.Counters.Interval == 0 {
			c.Counters.Interval = 24 * time.Hour
		}
	}
	if c.Stations != nil && c.Stations.Interval == 0 {
		c.Stations.Interval = 5 * time.Minute
	}
}

// Location returns the default timezone.
func (c *Config) Location() *time.Location {
	return location(c.Timezone)
}

// Location returns the mode's feed timezone.
func (m ModeConfig) Location() *time.Location {
	return location(m.Timezone)
}

// ModeNames returns the configured mode names in order.
func (c *Config) ModeNames() []string {
	names := make([]string, len(c.Modes))
	for i, m := range c.Modes {
		names[i] = m.Name
	}
	return names
}

// Mode returns the configuration of the named mode.
func (c *Config) Mode(name string) (ModeConfig, bool) {
	for _, m := range c.Modes {
		if m.Name == name {
			return m, true
		}
	}
	return ModeConfig{}, false
}

// location loads a timezone that validation already accepted, falling back
// to UTC.
func location(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
