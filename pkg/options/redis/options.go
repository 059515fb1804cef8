// Package redisopts provides options for Redis client configuration.
package redisopts

import (
	"fmt"

	"github.com/kart-io/courseatlas/pkg/options"
	"github.com/spf13/pflag"
)

var _ options.IOptions = (*Options)(nil)

// Options contains Redis client configuration.
type Options struct {
	// Addr is the Redis server address (host:port).
	Addr string `json:"addr" mapstructure:"addr"`

	// Password for authentication.
	Password string `json:"password" mapstructure:"password"`

	// Database is the Redis database number.
	Database int `json:"database" mapstructure:"database"`

	// MaxRetries is the per-command retry count.
	MaxRetries int `json:"max-retries" mapstructure:"max-retries"`

	// PoolSize is the connection pool size.
	PoolSize int `json:"pool-size" mapstructure:"pool-size"`

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int `json:"min-idle-conns" mapstructure:"min-idle-conns"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		Addr:         "localhost:6379",
		Database:     0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Addr, options.Join(prefixes...)+"redis.addr", o.Addr, "Redis server address (host:port).")
	fs.StringVar(&o.Password, options.Join(prefixes...)+"redis.password", o.Password, "Redis password.")
	fs.IntVar(&o.Database, options.Join(prefixes...)+"redis.database", o.Database, "Redis database number.")
	fs.IntVar(&o.MaxRetries, options.Join(prefixes...)+"redis.max-retries", o.MaxRetries, "Redis per-command max retries.")
	fs.IntVar(&o.PoolSize, options.Join(prefixes...)+"redis.pool-size", o.PoolSize, "Redis connection pool size.")
	fs.IntVar(&o.MinIdleConns, options.Join(prefixes...)+"redis.min-idle-conns", o.MinIdleConns, "Redis minimum idle connections.")
}

// Validate validates the options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if o.Addr == "" {
		errs = append(errs, fmt.Errorf("redis addr is required"))
	}
	if o.Database < 0 {
		errs = append(errs, fmt.Errorf("redis database must be non-negative"))
	}
	return errs
}
