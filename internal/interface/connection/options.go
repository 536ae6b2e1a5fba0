package connection

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// poolPropertyPrefix を持つプロパティはプール設定としてドライバーには渡さない.
const poolPropertyPrefix = "pool."

// PoolOptions はプロパティから読み取るプール設定.
type PoolOptions struct {
	MaxOpen        int           `mapstructure:"pool.maxOpen"`
	MaxIdle        int           `mapstructure:"pool.maxIdle"`
	IdleTimeout    time.Duration `mapstructure:"pool.idleTimeout"`
	MaxLifetime    time.Duration `mapstructure:"pool.maxLifetime"`
	AcquireTimeout time.Duration `mapstructure:"pool.acquireTimeout"`
	TestOnBorrow   bool          `mapstructure:"pool.testOnBorrow"`
}

// DefaultPoolOptions はデフォルトのプール設定を返す.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpen:        16,
		MaxIdle:        4,
		IdleTimeout:    90 * time.Second,
		MaxLifetime:    30 * time.Minute,
		AcquireTimeout: 5 * time.Second,
		TestOnBorrow:   true,
	}
}

// ParsePoolOptions はプロパティの"pool."項目をデフォルトに上書きする.
func ParsePoolOptions(properties map[string]string) (PoolOptions, error) {
	opts := DefaultPoolOptions()

	input := make(map[string]interface{})
	for name, value := range properties {
		if strings.HasPrefix(name, poolPropertyPrefix) {
			input[name] = value
		}
	}
	if len(input) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, errors.Wrap(err, "creating pool options decoder")
	}
	if err := decoder.Decode(input); err != nil {
		return opts, errors.Wrap(err, "decoding pool options")
	}

	if opts.MaxOpen <= 0 {
		return opts, errors.Errorf("pool.maxOpen must be positive, got %d", opts.MaxOpen)
	}
	if opts.MaxIdle < 0 {
		opts.MaxIdle = 0
	}
	if opts.MaxIdle > opts.MaxOpen {
		opts.MaxIdle = opts.MaxOpen
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultPoolOptions().AcquireTimeout
	}
	return opts, nil
}

// driverProperties はプール設定を除いたプロパティを返す.
func driverProperties(properties map[string]string) map[string]string {
	out := make(map[string]string, len(properties))
	for name, value := range properties {
		if !strings.HasPrefix(name, poolPropertyPrefix) {
			out[name] = value
		}
	}
	return out
}
