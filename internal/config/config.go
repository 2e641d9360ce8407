package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/dgpipe/internal/logging"
)

var ErrInvalidNodeConfig = errors.New("config: invalid node config")

// Duration decodes TOML strings such as "250ms" or "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NodeConfig is the on-disk shape of a dgpipectl node.
type NodeConfig struct {
	Pipeline PipelineSection `toml:"pipeline"`
	Log      LogSection      `toml:"log"`
	Status   StatusSection   `toml:"status"`
}

type PipelineSection struct {
	Name          string         `toml:"name"`
	LocalHost     string         `toml:"local_host"`
	LocalPort     int            `toml:"local_port"`
	RemoteHost    string         `toml:"remote_host"`
	RemotePort    int            `toml:"remote_port"`
	PollInterval  Duration       `toml:"poll_interval"`
	QueueCapacity int            `toml:"queue_capacity"`
	DatagramBytes int            `toml:"datagram_bytes"`
	PutAttempts   int            `toml:"put_attempts"`
	PutTimeout    Duration       `toml:"put_timeout"`
	MaxChars      int            `toml:"max_chars"`
	Compress      bool           `toml:"compress"`
	Echo          bool           `toml:"echo"`
	Backoff       BackoffSection `toml:"backoff"`
}

type BackoffSection struct {
	Initial    Duration `toml:"initial"`
	Multiplier float64  `toml:"multiplier"`
	Max        Duration `toml:"max"`
	Jitter     bool     `toml:"jitter"`
}

type LogSection struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

type StatusSection struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// DefaultNodeConfig mirrors pipeline.DefaultConfig with a status surface on :9090.
func DefaultNodeConfig() NodeConfig {
	return FromPipelineConfig(defaultPipeline(), NodeConfig{
		Pipeline: PipelineSection{Echo: true},
		Log:      LogSection{Level: "info"},
		Status: StatusSection{
			Enabled:     true,
			Addr:        ":9090",
			CorsOrigins: []string{"http://localhost:3000"},
		},
	})
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return ParseNodeConfig(data)
}

// ParseNodeConfig decodes data over DefaultNodeConfig, so omitted keys keep
// their defaults, then validates the result.
func ParseNodeConfig(data []byte) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Pipeline.Name) == "" {
		return fmt.Errorf("%w: pipeline.name is required", ErrInvalidNodeConfig)
	}
	if err := cfg.PipelineConfig().Validate(); err != nil {
		return fmt.Errorf("%w: pipeline: %w", ErrInvalidNodeConfig, err)
	}
	if strings.TrimSpace(cfg.Log.Level) != "" {
		if _, ok := logging.ParseLevel(cfg.Log.Level); !ok {
			return fmt.Errorf("%w: log.level %q", ErrInvalidNodeConfig, cfg.Log.Level)
		}
	}
	if cfg.Status.Enabled {
		addr := strings.TrimSpace(cfg.Status.Addr)
		if addr == "" {
			return fmt.Errorf("%w: status.addr is required when status is enabled", ErrInvalidNodeConfig)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: status.addr %q: %w", ErrInvalidNodeConfig, addr, err)
		}
	}
	return nil
}

// Encode renders cfg as TOML.
func Encode(cfg NodeConfig) ([]byte, error) {
	return toml.Marshal(cfg)
}
