// Package config holds the immutable configuration for a dualcast session,
// loaded from an optional TOML file and overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Environment variables consulted by ApplyEnv.
const (
	EnvConfigPath  = "DUALCAST_CONFIG"
	EnvWindowTitle = "DUALCAST_WINDOW_TITLE"
	EnvBindAddr    = "DUALCAST_BIND_ADDR"
	EnvPort        = "DUALCAST_PORT"
	EnvFPS         = "DUALCAST_FPS"
	EnvQuality     = "DUALCAST_QUALITY"
	EnvAdaptive    = "DUALCAST_ADAPTIVE"
	EnvInactivity  = "DUALCAST_INACTIVITY"
	EnvShowDebug   = "DUALCAST_SHOW_DEBUG"
	EnvAPIAddr     = "DUALCAST_API_ADDR"
)

// Limits enforced by Validate.
const (
	MinFPS     = 1
	MaxFPS     = 30
	MinQuality = 1
	MaxQuality = 100
)

// Duration wraps time.Duration so it can be written as "60s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Tiers maps a network-quality signal in [0,1] to one of three encoder
// quality values. A signal below LowBelow selects Low, below MediumBelow
// selects Medium, anything else selects High.
type Tiers struct {
	LowBelow    float64 `toml:"low_below"`
	MediumBelow float64 `toml:"medium_below"`
	Low         int     `toml:"low"`
	Medium      int     `toml:"medium"`
	High        int     `toml:"high"`
}

// Config is the full session configuration. It is passed by value at
// construction time and never mutated afterwards.
type Config struct {
	WindowTitle string `toml:"window_title"`

	// BindAddr is the host part used for both listeners. Empty binds all
	// interfaces.
	BindAddr string `toml:"bind_addr"`

	// Port is the reliable (TCP) port. The unreliable (UDP) port is always
	// Port+1, see UnreliablePort. Port 0 picks ephemeral ports for both.
	Port int `toml:"port"`

	FPS        int   `toml:"fps"`
	Quality    int   `toml:"quality"`
	Adaptive   bool  `toml:"adaptive"`
	QualityMin int   `toml:"quality_min"`
	QualityMax int   `toml:"quality_max"`
	Tiers      Tiers `toml:"tiers"`

	InactivityThreshold Duration `toml:"inactivity_threshold"`

	ShowDebug bool   `toml:"show_debug"`
	APIAddr   string `toml:"api_addr"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Port:       5002,
		FPS:        12,
		Quality:    65,
		QualityMin: MinQuality,
		QualityMax: MaxQuality,
		Tiers: Tiers{
			LowBelow:    0.5,
			MediumBelow: 0.8,
			Low:         40,
			Medium:      60,
			High:        80,
		},
		InactivityThreshold: Duration{60 * time.Second},
		ShowDebug:           true,
		APIAddr:             ":5001",
	}
}

// ReliableAddr returns the TCP listen address.
func (c Config) ReliableAddr() string {
	return joinHostPort(c.BindAddr, c.Port)
}

// UnreliablePort returns the UDP port, which is always adjacent to the
// reliable port. An ephemeral reliable port yields an ephemeral UDP port.
func (c Config) UnreliablePort() int {
	if c.Port == 0 {
		return 0
	}
	return c.Port + 1
}

// UnreliableAddr returns the UDP listen address.
func (c Config) UnreliableAddr() string {
	return joinHostPort(c.BindAddr, c.UnreliablePort())
}

// FrameInterval returns the pacing interval derived from FPS.
func (c Config) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.FPS)
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// Load reads the TOML file at path on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from environment variables looked up via
// getenv. Unset or empty variables leave the field untouched.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvWindowTitle); v != "" {
		cfg.WindowTitle = v
	}
	if v := getenv(EnvBindAddr); v != "" {
		cfg.BindAddr = v
	}
	if v := getenv(EnvAPIAddr); v != "" {
		if strings.EqualFold(v, "off") {
			v = ""
		}
		cfg.APIAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvPort, &cfg.Port},
		{EnvFPS, &cfg.FPS},
		{EnvQuality, &cfg.Quality},
	}
	for _, e := range ints {
		v := strings.TrimSpace(getenv(e.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, e.key, v, err)
		}
		*e.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{EnvAdaptive, &cfg.Adaptive},
		{EnvShowDebug, &cfg.ShowDebug},
	}
	for _, e := range bools {
		v := strings.TrimSpace(getenv(e.key))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, e.key, v, err)
		}
		*e.dst = b
	}

	if v := strings.TrimSpace(getenv(EnvInactivity)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, EnvInactivity, v, err)
		}
		cfg.InactivityThreshold = Duration{d}
	}
	return nil
}

// Validate reports the first constraint cfg violates, wrapped in ErrInvalid.
func Validate(cfg Config) error {
	switch {
	case cfg.FPS < MinFPS || cfg.FPS > MaxFPS:
		return fmt.Errorf("%w: fps %d outside [%d, %d]", ErrInvalid, cfg.FPS, MinFPS, MaxFPS)
	case cfg.QualityMin < MinQuality || cfg.QualityMax > MaxQuality || cfg.QualityMin > cfg.QualityMax:
		return fmt.Errorf("%w: quality bounds [%d, %d] outside [%d, %d]",
			ErrInvalid, cfg.QualityMin, cfg.QualityMax, MinQuality, MaxQuality)
	case cfg.Quality < cfg.QualityMin || cfg.Quality > cfg.QualityMax:
		return fmt.Errorf("%w: quality %d outside [%d, %d]", ErrInvalid, cfg.Quality, cfg.QualityMin, cfg.QualityMax)
	case cfg.Port < 0 || cfg.Port > 65534:
		return fmt.Errorf("%w: port %d must leave room for port+1", ErrInvalid, cfg.Port)
	case cfg.InactivityThreshold.Duration <= 0:
		return fmt.Errorf("%w: inactivity_threshold must be positive", ErrInvalid)
	}
	return validateTiers(cfg.Tiers)
}

func validateTiers(t Tiers) error {
	if t.LowBelow < 0 || t.MediumBelow > 1 || t.LowBelow > t.MediumBelow {
		return fmt.Errorf("%w: tier thresholds must satisfy 0 <= low_below <= medium_below <= 1", ErrInvalid)
	}
	for _, q := range []int{t.Low, t.Medium, t.High} {
		if q < MinQuality || q > MaxQuality {
			return fmt.Errorf("%w: tier quality %d outside [%d, %d]", ErrInvalid, q, MinQuality, MaxQuality)
		}
	}
	return nil
}
