package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys shared by the flag set, the environment and config files.
const (
	KeyFIFO       = "fifo"
	KeyDevice     = "device"
	KeySampleRate = "sr"
	KeyChunkMS    = "chunk-ms"
	KeyMaxQueue   = "max-queue"
	KeyLogLevel   = "log-level"
	KeyLogFormat  = "log-format"

	EnvPrefix = "MICFIFO"
)

// Defaults
const (
	DefaultSampleRate = 16000
	DefaultChunkMS    = 200
	DefaultDevice     = -1
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "auto"

	// Channels is fixed: the pipe carries mono PCM.
	Channels = 1
)

var ErrMissingFIFO = errors.New("--fifo is required")

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto":    true,
	"console": true,
	"json":    true,
}

// Config is established once at startup and never modified afterwards.
type Config struct {
	FIFO       string
	Device     *int
	SampleRate int
	Channels   int
	ChunkMS    int
	MaxQueue   int
	LogLevel   string
	LogFormat  string
}

// RegisterFlags adds every setting to fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyFIFO, "", "path to the FIFO the consumer reads from (create it with mkfifo first)")
	fs.Int(KeyDevice, DefaultDevice, "input device index, -1 uses the default input device")
	fs.Int(KeySampleRate, DefaultSampleRate, "capture sample rate in Hz")
	fs.Int(KeyChunkMS, DefaultChunkMS, "chunk size in milliseconds")
	fs.Int(KeyMaxQueue, 0, "maximum queued chunks before the oldest is dropped, 0 is unbounded")
	fs.String(KeyLogLevel, DefaultLogLevel, "log level: debug|info|warn|error")
	fs.String(KeyLogFormat, DefaultLogFormat, "log format: auto|console|json")
}

// NewViper returns a viper instance bound to fs and to MICFIFO_* environment
// variables.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()

	v.SetDefault(KeySampleRate, DefaultSampleRate)
	v.SetDefault(KeyChunkMS, DefaultChunkMS)
	v.SetDefault(KeyDevice, DefaultDevice)
	v.SetDefault(KeyMaxQueue, 0)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, DefaultLogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	return v, nil
}

// ReadFile merges an optional config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load builds a validated Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		FIFO:       strings.TrimSpace(v.GetString(KeyFIFO)),
		SampleRate: v.GetInt(KeySampleRate),
		Channels:   Channels,
		ChunkMS:    v.GetInt(KeyChunkMS),
		MaxQueue:   v.GetInt(KeyMaxQueue),
		LogLevel:   strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:  strings.ToLower(v.GetString(KeyLogFormat)),
	}
	if dev := v.GetInt(KeyDevice); dev != DefaultDevice {
		cfg.Device = &dev
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns all problems found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.FIFO == "" {
		errs = append(errs, ErrMissingFIFO)
	}
	if c.Device != nil && *c.Device < 0 {
		errs = append(errs, fmt.Errorf("device index %d is invalid, use %d for the default input device", *c.Device, DefaultDevice))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.Channels != Channels {
		errs = append(errs, fmt.Errorf("channel count %d is not supported, only mono", c.Channels))
	}
	if c.ChunkMS <= 0 {
		errs = append(errs, fmt.Errorf("chunk size %dms must be positive", c.ChunkMS))
	} else if c.SampleRate > 0 && c.FramesPerChunk() == 0 {
		errs = append(errs, fmt.Errorf("chunk size %dms is shorter than one frame at %d Hz", c.ChunkMS, c.SampleRate))
	}
	if c.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("max queue %d must not be negative", c.MaxQueue))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if !validLogFormats[c.LogFormat] {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// FramesPerChunk is the capture block size in frames.
func (c *Config) FramesPerChunk() int {
	return FramesPerChunk(c.SampleRate, c.ChunkMS)
}

// ChunkDuration is the wall-clock length of one block.
func (c *Config) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkMS) * time.Millisecond
}

// FramesPerChunk truncates like the capture layer does: 16000 Hz at 200 ms is
// 3200 frames.
func FramesPerChunk(sampleRate, chunkMS int) int {
	return sampleRate * chunkMS / 1000
}
