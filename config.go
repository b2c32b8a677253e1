package edgeguard

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// Duration wraps time.Duration so config files can say "30s" or "10m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full recognized configuration surface.
type Config struct {
	Listen   string `json:"listen"`
	Upstream string `json:"upstream"`
	LogLevel string `json:"logLevel"`

	TrustedProxyCIDRs []string `json:"trustedProxyCIDRs"`
	AllowCIDRs        []string `json:"allowCIDRs"`
	DenyCIDRs         []string `json:"denyCIDRs"`

	Window         Duration `json:"window"`
	IdleTTL        Duration `json:"idleTTL"`
	MaxTrackedKeys int      `json:"maxTrackedKeys"`

	MinSamplesRequired int     `json:"minSamplesRequired"`
	AttackThreshold    int     `json:"attackThreshold"`
	HardRequestRate    float64 `json:"hardRequestRate"`
	HardByteRate       float64 `json:"hardByteRate"`
	ModelPath          string  `json:"modelPath"`

	BaseRateLimit        int      `json:"baseRateLimit"`
	BurstMultiplier      float64  `json:"burstMultiplier"`
	BaseBlockDuration    Duration `json:"baseBlockDuration"`
	MaxBlockDuration     Duration `json:"maxBlockDuration"`
	ViolationDecayWindow Duration `json:"violationDecayWindow"`

	CacheTTL     Duration `json:"cacheTTL"`
	CacheTimeout Duration `json:"cacheTimeout"`
	RedisAddr    string   `json:"redisAddr"`

	LedgerPath            string   `json:"ledgerPath"`
	AlertDedupWindow      Duration `json:"alertDedupWindow"`
	EscalationReopenCount int      `json:"escalationReopenCount"`
	AlertWebhookURL       string   `json:"alertWebhookURL"`
}

// DefaultConfig returns the baseline configuration; LoadConfig overlays a
// JSON file on top of it.
func DefaultConfig() *Config {
	return &Config{
		Listen:                ":8080",
		LogLevel:              "info",
		Window:                Duration(60 * time.Second),
		IdleTTL:               Duration(10 * time.Minute),
		MaxTrackedKeys:        100000,
		MinSamplesRequired:    5,
		AttackThreshold:       70,
		HardRequestRate:       200,
		HardByteRate:          50 * 1024 * 1024,
		BaseRateLimit:         100,
		BurstMultiplier:       1.5,
		BaseBlockDuration:     Duration(time.Minute),
		MaxBlockDuration:      Duration(time.Hour),
		ViolationDecayWindow:  Duration(10 * time.Minute),
		CacheTTL:              Duration(5 * time.Second),
		CacheTimeout:          Duration(25 * time.Millisecond),
		AlertDedupWindow:      Duration(60 * time.Second),
		EscalationReopenCount: 3,
	}
}

const maxConfigSize = 1 << 20

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file %s is too large", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tunables that would otherwise wedge the pipeline.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = c.Window * 10
	}
	if c.BaseRateLimit <= 0 {
		return fmt.Errorf("baseRateLimit must be positive")
	}
	if c.BurstMultiplier < 1 {
		return fmt.Errorf("burstMultiplier must be >= 1")
	}
	if c.AttackThreshold < 0 || c.AttackThreshold > 100 {
		return fmt.Errorf("attackThreshold must be in [0,100]")
	}
	if c.BaseBlockDuration <= 0 || c.MaxBlockDuration < c.BaseBlockDuration {
		return fmt.Errorf("block durations must satisfy 0 < base <= max")
	}
	if c.MinSamplesRequired < 1 {
		c.MinSamplesRequired = 1
	}
	if c.MaxTrackedKeys <= 0 {
		c.MaxTrackedKeys = 100000
	}
	return nil
}

// ConfigWatcher reloads the config file when it changes on disk and hands
// the parsed result to the registered callback. Parse failures keep the
// previous configuration.
type ConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *log.Logger
	onLoad  func(*Config)
	done    chan struct{}
}

func NewConfigWatcher(path string, logger *log.Logger, onLoad func(*Config)) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	cw := &ConfigWatcher{path: path, watcher: w, logger: logger, onLoad: onLoad, done: make(chan struct{})}
	go cw.loop()
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	for {
		select {
		case <-cw.done:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(cw.path)
			if err != nil {
				cw.logger.Warn().Err(err).Str("path", cw.path).Msg("config reload failed, keeping previous")
				continue
			}
			cw.logger.Info().Str("path", cw.path).Msg("config reloaded")
			cw.onLoad(cfg)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (cw *ConfigWatcher) Stop() error {
	close(cw.done)
	return cw.watcher.Close()
}
