package cache

import (
	"fmt"
	"time"
)

// Default lifetimes applied when Options leaves them unset.
const (
	DefaultTTL      = 600 * time.Second
	DefaultMaxTTL   = 1000 * time.Second
	DefaultErrorTTL = time.Duration(0)
)

// Lifetimes configures how long a computed value stays useful.
type Lifetimes struct {
	// TTL is the freshness window. Inside it a cached value is served
	// without triggering a refresh.
	TTL time.Duration

	// MaxTTL is the absolute horizon handed to the backplane, after which the
	// entry is evicted regardless of refresh activity. Must be >= TTL.
	MaxTTL time.Duration

	// ErrorTTL is the stale-on-error grace measured from the computation time.
	// Zero means the grace never opens.
	ErrorTTL time.Duration
}

// Options configures one wrapped computation. It is fixed at wrap time.
type Options struct {
	Lifetimes

	// Type selects the value encoding. Defaults to TypeJSON.
	Type Type
}

// DefaultOptions returns the default options.
// TTL: 10 minutes, MaxTTL: 1000 seconds, ErrorTTL: 0, Type: json
func DefaultOptions() Options {
	return Options{
		Lifetimes: Lifetimes{
			TTL:      DefaultTTL,
			MaxTTL:   DefaultMaxTTL,
			ErrorTTL: DefaultErrorTTL,
		},
		Type: TypeJSON,
	}
}

// WithDefaults fills unset fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = DefaultMaxTTL
	}
	if o.ErrorTTL < 0 {
		o.ErrorTTL = DefaultErrorTTL
	}
	if o.Type == "" {
		o.Type = TypeJSON
	}
	return o
}

// Validate checks the options after defaults have been applied.
func (o Options) Validate() error {
	if !o.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, o.Type)
	}
	if o.TTL <= 0 || o.MaxTTL <= 0 || o.ErrorTTL < 0 {
		return fmt.Errorf("%w: ttl=%s maxTtl=%s errorTtl=%s", ErrInvalidLifetimes, o.TTL, o.MaxTTL, o.ErrorTTL)
	}
	if o.MaxTTL < o.TTL {
		return fmt.Errorf("%w: maxTtl %s is shorter than ttl %s", ErrInvalidLifetimes, o.MaxTTL, o.TTL)
	}
	return nil
}
