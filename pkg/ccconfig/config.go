// Package ccconfig provides the controller's static construction
// parameters and its field-trial style experiment provider.
package ccconfig

import (
	"time"

	"github.com/spf13/viper"

	"github.com/pion/transport-cc/pkg/ccunits"
)

// Config is the set of constructor parameters that don't change for the
// lifetime of a network route, bound via mapstructure tags so it can be
// loaded from file/env/flags through viper.
type Config struct {
	MinBitrateKbps     int64 `mapstructure:"min_bitrate_kbps"`
	StartBitrateKbps   int64 `mapstructure:"start_bitrate_kbps"`
	MaxBitrateKbps     int64 `mapstructure:"max_bitrate_kbps"`
	MinPacingRateKbps  int64 `mapstructure:"min_pacing_rate_kbps"`
	MaxPaddingRateKbps int64 `mapstructure:"max_padding_rate_kbps"`

	PacingFactor float64 `mapstructure:"pacing_factor"`

	ProcessInterval  time.Duration `mapstructure:"process_interval"`
	MinProbeInterval time.Duration `mapstructure:"min_probe_interval"`

	MinProbeSizeBytes int64 `mapstructure:"min_probe_size_bytes"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		MinBitrateKbps:     30,
		StartBitrateKbps:   300,
		MaxBitrateKbps:     10000,
		MinPacingRateKbps:  0,
		MaxPaddingRateKbps: 0,
		PacingFactor:       2.5,
		ProcessInterval:    25 * time.Millisecond,
		MinProbeInterval:   time.Second,
		MinProbeSizeBytes:  200,
	}
}

// Load reads Config from a file (any format viper supports — yaml, json,
// toml) at path, using DefaultConfig for anything the file doesn't set.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) MinBitrate() ccunits.DataRate      { return ccunits.Kbps(c.MinBitrateKbps) }
func (c Config) StartBitrate() ccunits.DataRate    { return ccunits.Kbps(c.StartBitrateKbps) }
func (c Config) MaxBitrate() ccunits.DataRate      { return ccunits.Kbps(c.MaxBitrateKbps) }
func (c Config) MinPacingRate() ccunits.DataRate   { return ccunits.Kbps(c.MinPacingRateKbps) }
func (c Config) MaxPaddingRate() ccunits.DataRate  { return ccunits.Kbps(c.MaxPaddingRateKbps) }
func (c Config) MinProbeSize() ccunits.DataSize    { return ccunits.Bytes(c.MinProbeSizeBytes) }
func (c Config) ProcessIntervalDelta() ccunits.TimeDelta {
	return ccunits.Microseconds(c.ProcessInterval.Microseconds())
}
func (c Config) MinProbeIntervalDelta() ccunits.TimeDelta {
	return ccunits.Microseconds(c.MinProbeInterval.Microseconds())
}
