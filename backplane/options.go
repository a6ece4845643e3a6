package backplane

import "time"

type options struct {
	now      func() time.Time
	deferrer Deferrer
}

// Option configures a backplane.
type Option func(*options)

// WithClock sets the time source used to enforce the storage horizon.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithDeferrer sets where Defer hands tasks. Defaults to an unbounded
// Background deferrer.
func WithDeferrer(d Deferrer) Option {
	return func(o *options) {
		o.deferrer = d
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.deferrer == nil {
		o.deferrer = NewBackground(BackgroundConfig{})
	}
	return o
}
