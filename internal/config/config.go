package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use values like "300ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ImageConfig bounds the attachment compression pipeline.
type ImageConfig struct {
	// MaxDimension is the largest allowed width or height in pixels.
	// Larger images are downscaled preserving aspect ratio; images are
	// never upscaled.
	MaxDimension int `toml:"max_dimension_px"`
	// TargetBytes is the encoded size the pipeline tries to reach.
	TargetBytes int `toml:"target_bytes"`
	// InitialQuality, QualityStep and MinQuality are JPEG quality values
	// in the 1-100 range. Compression starts at InitialQuality and steps
	// down by QualityStep until TargetBytes is met or MinQuality is hit.
	InitialQuality int `toml:"initial_quality"`
	QualityStep    int `toml:"quality_step"`
	MinQuality     int `toml:"min_quality"`
}

// Config holds every tunable of the session core. Loaded once at startup
// and passed to component constructors; never mutated mid-session.
type Config struct {
	// UserID identifies the logged-in user this session belongs to.
	// Usually written once on first login.
	UserID string `toml:"user_id"`
	// PageSize is the number of messages per pagination window and the
	// default search result count.
	PageSize int `toml:"page_size"`
	// CacheTTL is how long a cache entry is considered fresh after its
	// last successful load. Staleness is advisory.
	CacheTTL Duration `toml:"cache_ttl"`
	// SearchDebounce coalesces keystroke-driven search input.
	SearchDebounce Duration `toml:"search_debounce"`
	// TypingThrottle limits how often an outbound typing signal is sent.
	TypingThrottle Duration `toml:"typing_throttle"`
	// TypingTimeout is how long a received typing signal stays visible
	// without renewal.
	TypingTimeout Duration `toml:"typing_timeout"`
	// ToastDuration is the auto-dismiss delay for notifications.
	ToastDuration Duration `toml:"toast_duration"`
	// OutboxInterval is how often the send queue is drained when no
	// explicit wakeup arrives.
	OutboxInterval Duration `toml:"outbox_interval"`
	// ChannelURL is the realtime socket endpoint. Empty disables the
	// realtime channel; messaging still works over the request path.
	ChannelURL string `toml:"channel_url"`

	Image ImageConfig `toml:"image"`
}

// Default returns the built-in tunables.
func Default() Config {
	return Config{
		PageSize:       20,
		CacheTTL:       Duration(60 * time.Second),
		SearchDebounce: Duration(300 * time.Millisecond),
		TypingThrottle: Duration(2 * time.Second),
		TypingTimeout:  Duration(3 * time.Second),
		ToastDuration:  Duration(5 * time.Second),
		OutboxInterval: Duration(5 * time.Second),
		Image: ImageConfig{
			MaxDimension:   1920,
			TargetBytes:    100_000,
			InitialQuality: 80,
			QualityStep:    10,
			MinQuality:     10,
		},
	}
}

// Load reads config from the given path, overlaying the file on top of
// Default(). A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate rejects tunables the components cannot operate with.
func (c Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %s", c.CacheTTL.Std())
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("outbox_interval must be positive, got %s", c.OutboxInterval.Std())
	}
	img := c.Image
	if img.MaxDimension <= 0 {
		return fmt.Errorf("image.max_dimension_px must be positive, got %d", img.MaxDimension)
	}
	if img.MinQuality < 1 || img.InitialQuality > 100 || img.MinQuality > img.InitialQuality {
		return fmt.Errorf("image quality range %d..%d is invalid", img.MinQuality, img.InitialQuality)
	}
	if img.QualityStep <= 0 {
		return fmt.Errorf("image.quality_step must be positive, got %d", img.QualityStep)
	}
	return nil
}
