package config

import (
	"strings"

	"github.com/danmuck/dgpipe/internal/logging"
	"github.com/danmuck/dgpipe/internal/pipeline"
)

func defaultPipeline() pipeline.Config {
	return pipeline.DefaultConfig()
}

// PipelineConfig converts the [pipeline] section. Zero values are filled from
// pipeline.DefaultConfig.
func (c NodeConfig) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		Name:          strings.TrimSpace(p.Name),
		LocalHost:     strings.TrimSpace(p.LocalHost),
		LocalPort:     p.LocalPort,
		RemoteHost:    strings.TrimSpace(p.RemoteHost),
		RemotePort:    p.RemotePort,
		PollInterval:  p.PollInterval.Duration,
		QueueCapacity: p.QueueCapacity,
		DatagramBytes: p.DatagramBytes,
		PutAttempts:   p.PutAttempts,
		PutTimeout:    p.PutTimeout.Duration,
		PutBackoff: pipeline.BackoffConfig{
			InitialDelay: p.Backoff.Initial.Duration,
			Multiplier:   p.Backoff.Multiplier,
			MaxDelay:     p.Backoff.Max.Duration,
			Jitter:       p.Backoff.Jitter,
		},
		MaxChars: p.MaxChars,
		Compress: p.Compress,
	}.WithDefaults()
}

// FromPipelineConfig writes pc into the [pipeline] section of base.
func FromPipelineConfig(pc pipeline.Config, base NodeConfig) NodeConfig {
	base.Pipeline.Name = pc.Name
	base.Pipeline.LocalHost = pc.LocalHost
	base.Pipeline.LocalPort = pc.LocalPort
	base.Pipeline.RemoteHost = pc.RemoteHost
	base.Pipeline.RemotePort = pc.RemotePort
	base.Pipeline.PollInterval = Duration{pc.PollInterval}
	base.Pipeline.QueueCapacity = pc.QueueCapacity
	base.Pipeline.DatagramBytes = pc.DatagramBytes
	base.Pipeline.PutAttempts = pc.PutAttempts
	base.Pipeline.PutTimeout = Duration{pc.PutTimeout}
	base.Pipeline.MaxChars = pc.MaxChars
	base.Pipeline.Compress = pc.Compress
	base.Pipeline.Backoff = BackoffSection{
		Initial:    Duration{pc.PutBackoff.InitialDelay},
		Multiplier: pc.PutBackoff.Multiplier,
		Max:        Duration{pc.PutBackoff.MaxDelay},
		Jitter:     pc.PutBackoff.Jitter,
	}
	return base
}

// LoggingConfig overlays the [log] section on the runtime logging profile.
func (c NodeConfig) LoggingConfig() logging.Config {
	out := logging.DefaultConfig(logging.ProfileRuntime)
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		out.Level = lvl
	}
	if path := strings.TrimSpace(c.Log.File); path != "" {
		out.File.Path = path
		if c.Log.MaxSizeMB > 0 {
			out.File.MaxSizeMB = c.Log.MaxSizeMB
		}
		if c.Log.MaxBackups > 0 {
			out.File.MaxBackups = c.Log.MaxBackups
		}
		if c.Log.MaxAgeDays > 0 {
			out.File.MaxAgeDays = c.Log.MaxAgeDays
		}
		out.File.Compress = c.Log.Compress
	}
	return out
}
