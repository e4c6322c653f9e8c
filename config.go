package sto

import (
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the runtime tunables. A transaction samples the current config
// when it starts and keeps it until it finishes.
type Config struct {
	// Spin bounds are log2 of the number of lock attempts.
	SpinBoundWait  uint `toml:"spin-bound-wait" json:"spin-bound-wait"`
	SpinBoundWrite uint `toml:"spin-bound-write" json:"spin-bound-write"`

	// ContentionRegulation enables backoff after aborts.
	ContentionRegulation bool `toml:"contention-regulation" json:"contention-regulation"`
	// TSThreshold is the write count after which a transaction takes a
	// contention manager timestamp.
	TSThreshold uint64 `toml:"ts-threshold" json:"ts-threshold"`
	// SuccAbortsMax is log2 of the largest backoff.
	SuccAbortsMax uint   `toml:"succ-aborts-max" json:"succ-aborts-max"`
	InitBackoff   uint64 `toml:"init-backoff" json:"init-backoff"`

	// MvGCThreshold is the registry size that makes a finishing transaction
	// collect MVCC history.
	MvGCThreshold int `toml:"mvcc-gc-threshold" json:"mvcc-gc-threshold"`

	EpochInterval time.Duration `toml:"epoch-interval" json:"epoch-interval"`

	DebugAborts bool   `toml:"debug-aborts" json:"debug-aborts"`
	LogLevel    string `toml:"log-level" json:"log-level"`
}

// NewDefaultConfig returns the built in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		SpinBoundWait:        16,
		SpinBoundWrite:       3,
		ContentionRegulation: false,
		TSThreshold:          2,
		SuccAbortsMax:        10,
		InitBackoff:          100,
		MvGCThreshold:        256,
		EpochInterval:        time.Millisecond,
		LogLevel:             "info",
	}
}

func (c *Config) Validate() error {
	if c.SpinBoundWait > 30 || c.SpinBoundWrite > 30 {
		return errors.Errorf("spin bound must be at most 30, got wait=%d write=%d", c.SpinBoundWait, c.SpinBoundWrite)
	}
	if c.SuccAbortsMax > 40 {
		return errors.Errorf("succ-aborts-max must be at most 40, got %d", c.SuccAbortsMax)
	}
	if c.TSThreshold == 0 {
		return errors.New("ts-threshold must be greater than 0")
	}
	if c.MvGCThreshold <= 0 {
		return errors.New("mvcc-gc-threshold must be greater than 0")
	}
	if c.EpochInterval <= 0 {
		return errors.New("epoch-interval must be positive")
	}
	return nil
}

// LoadConfig reads a toml file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	c := NewDefaultConfig()
	if path == "" {
		return c, nil
	}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Errorf("config %s contains unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

var globalConfig atomic.Pointer[Config]

func init() {
	globalConfig.Store(NewDefaultConfig())
}

// SetConfig installs c for transactions started from now on.
func SetConfig(c *Config) error {
	if err := c.Validate(); err != nil {
		return errors.Trace(err)
	}
	cp := *c
	globalConfig.Store(&cp)
	return nil
}

// GetConfig returns a copy of the current config.
func GetConfig() Config { return *globalConfig.Load() }

func currentConfig() *Config { return globalConfig.Load() }

func (c *Config) spinWait() int  { return 1 << c.SpinBoundWait }
func (c *Config) spinWrite() int { return 1 << c.SpinBoundWrite }
