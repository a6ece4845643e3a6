package cache

import (
	"context"
	"time"

	"github.com/jonwraymond/swrr/observe"
)

// Lookup states reported to metrics.
const (
	StateMiss  = "miss"
	StateFresh = "fresh"
	StateStale = "stale"
)

// Func is the shape of a computation the Broker can memoize. The variadic
// arguments take part in key derivation.
type Func[T any] func(ctx context.Context, args ...any) (T, error)

// Broker memoizes computations against a Backplane with a
// stale-while-revalidate policy.
//
// Contract:
//   - Concurrency: safe for concurrent use; holds no per-key state. Concurrent
//     misses on one key each compute and each write, last write wins.
//   - Context: ctx flows to Read and to the computation on the calling path.
//     Deferred refreshes receive the context chosen by Backplane.Defer.
//   - Errors: only key derivation failures and first-computation failures
//     reach the caller.
type Broker struct {
	backplane Backplane
	keyer     Keyer
	now       func() time.Time
	mw        *observe.Middleware
	observer  observe.Observer
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithKeyer replaces the DefaultKeyer.
func WithKeyer(k Keyer) BrokerOption {
	return func(b *Broker) {
		b.keyer = k
	}
}

// WithClock sets the time source used for freshness decisions.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.now = now
	}
}

// WithMiddleware sets the telemetry middleware wrapped around computations.
func WithMiddleware(mw *observe.Middleware) BrokerOption {
	return func(b *Broker) {
		b.mw = mw
	}
}

// WithObserver builds the telemetry middleware from an Observer.
func WithObserver(obs observe.Observer) BrokerOption {
	return func(b *Broker) {
		b.observer = obs
	}
}

// NewBroker creates a Broker over the given backplane.
func NewBroker(bp Backplane, opts ...BrokerOption) (*Broker, error) {
	if bp == nil {
		return nil, ErrNilBackplane
	}

	b := &Broker{
		backplane: bp,
		keyer:     NewDefaultKeyer(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.observer != nil && b.mw == nil {
		mw, err := observe.MiddlewareFromObserver(b.observer)
		if err != nil {
			return nil, err
		}
		b.mw = mw
	}
	if b.mw == nil {
		b.mw = observe.NewNoopMiddleware()
	}
	if b.keyer == nil {
		b.keyer = NewDefaultKeyer()
	}
	if b.now == nil {
		b.now = time.Now
	}

	return b, nil
}

// Wrap returns a function with the same signature as fn that serves results
// through the broker. Options are fixed here; zero fields take defaults.
func Wrap[T any](b *Broker, name string, fn Func[T], opts Options) (Func[T], error) {
	if b == nil {
		return nil, ErrNilBroker
	}
	if fn == nil {
		return nil, ErrNilFunc
	}
	if err := ValidateKey(name); err != nil {
		return nil, err
	}

	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c, err := newCodec[T](opts.Type)
	if err != nil {
		return nil, err
	}

	r := &resource[T]{
		broker: b,
		name:   name,
		fn:     fn,
		opts:   opts,
		codec:  c,
	}
	return r.call, nil
}

// MustWrap is like Wrap but panics on error. Intended for package-level
// declarations with constant options.
func MustWrap[T any](b *Broker, name string, fn Func[T], opts Options) Func[T] {
	w, err := Wrap(b, name, fn, opts)
	if err != nil {
		panic(err)
	}
	return w
}

// Wrap0 wraps a computation without arguments. It keys to name alone.
func Wrap0[T any](b *Broker, name string, fn func(context.Context) (T, error), opts Options) (func(context.Context) (T, error), error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	w, err := Wrap(b, name, func(ctx context.Context, _ ...any) (T, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (T, error) {
		return w(ctx)
	}, nil
}

// Wrap1 wraps a computation of one argument.
func Wrap1[A, T any](b *Broker, name string, fn func(context.Context, A) (T, error), opts Options) (func(context.Context, A) (T, error), error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	w, err := Wrap(b, name, func(ctx context.Context, args ...any) (T, error) {
		return fn(ctx, arg[A](args, 0))
	}, opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, a A) (T, error) {
		return w(ctx, a)
	}, nil
}

// Wrap2 wraps a computation of two arguments.
func Wrap2[A, B, T any](b *Broker, name string, fn func(context.Context, A, B) (T, error), opts Options) (func(context.Context, A, B) (T, error), error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	w, err := Wrap(b, name, func(ctx context.Context, args ...any) (T, error) {
		return fn(ctx, arg[A](args, 0), arg[B](args, 1))
	}, opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, a A, bb B) (T, error) {
		return w(ctx, a, bb)
	}, nil
}

// arg extracts args[i] as A; nil interface values become the zero A.
func arg[A any](args []any, i int) A {
	v, _ := args[i].(A)
	return v
}

// resource is one wrapped computation.
type resource[T any] struct {
	broker *Broker
	name   string
	fn     Func[T]
	opts   Options
	codec  codec[T]
}

func (r *resource[T]) call(ctx context.Context, args ...any) (T, error) {
	var zero T

	key, err := r.broker.keyer.Key(r.name, args)
	if err != nil {
		return zero, err
	}

	meta := observe.ResourceMeta{Name: r.name, Key: key, Type: r.opts.Type.String()}
	metrics := r.broker.mw.Metrics()
	logger := r.broker.mw.Logger().WithResource(meta)

	res, err := r.broker.backplane.Read(ctx, key, r.opts.Type, r.opts.TTL)
	if err != nil {
		// Read failures degrade to a miss.
		metrics.RecordBackplaneError(ctx, meta, "read")
		logger.Warn(ctx, "backplane read failed, computing", observe.Field{Key: "error", Value: err})
		res = Result{}
	}

	now := r.broker.now()

	if res.Hit() {
		v, err := r.codec.decode(res.Value)
		if err == nil {
			if res.Metadata.Fresh(now) {
				metrics.RecordLookup(ctx, meta, StateFresh)
				return v, nil
			}

			metrics.RecordLookup(ctx, meta, StateStale)
			prior := res.Metadata
			r.broker.backplane.Defer(func(ctx context.Context) {
				r.refresh(ctx, key, meta, args, prior, now)
			})
			return v, nil
		}
		logger.Warn(ctx, "stored value does not decode, computing", observe.Field{Key: "error", Value: err})
	}

	metrics.RecordLookup(ctx, meta, StateMiss)
	return r.compute(ctx, key, meta, args, now)
}

// compute handles a miss: the computation runs on the caller's path and the
// write is deferred.
func (r *resource[T]) compute(ctx context.Context, key string, meta observe.ResourceMeta, args []any, now time.Time) (T, error) {
	v, err := r.run(ctx, meta, args)
	if err != nil {
		var zero T
		return zero, err
	}

	data, out, err := r.codec.encode(v)
	if err != nil {
		if r.opts.Type == TypeStream {
			var zero T
			return zero, err
		}
		r.broker.mw.Logger().WithResource(meta).Error(ctx, "value not cacheable", observe.Field{Key: "error", Value: err})
		return v, nil
	}

	r.broker.backplane.Defer(func(ctx context.Context) {
		r.persist(ctx, key, meta, data, now)
	})
	return out, nil
}

// refresh recomputes a stale entry off the caller's path. Failures are
// swallowed and the existing entry is left as is.
func (r *resource[T]) refresh(ctx context.Context, key string, meta observe.ResourceMeta, args []any, prior *Metadata, computedAt time.Time) {
	logger := r.broker.mw.Logger().WithResource(meta)

	v, err := r.run(ctx, meta, args)
	if err != nil {
		inGrace := prior.InGrace(r.broker.now())
		r.broker.mw.Metrics().RecordRefreshFailure(ctx, meta, inGrace)
		if inGrace {
			logger.Warn(ctx, "refresh failed, serving stale value within error grace", observe.Field{Key: "error", Value: err})
		} else {
			logger.Error(ctx, "refresh failed after error grace elapsed", observe.Field{Key: "error", Value: err})
		}
		return
	}

	data, _, err := r.codec.encode(v)
	if err != nil {
		logger.Error(ctx, "refreshed value not cacheable", observe.Field{Key: "error", Value: err})
		return
	}

	r.persist(ctx, key, meta, data, computedAt)
}

func (r *resource[T]) persist(ctx context.Context, key string, meta observe.ResourceMeta, data []byte, computedAt time.Time) {
	md := NewMetadata(computedAt, r.opts.Lifetimes)

	ok, err := r.broker.backplane.Put(ctx, key, data, md, r.opts.MaxTTL)
	switch {
	case err != nil:
		r.broker.mw.Metrics().RecordBackplaneError(ctx, meta, "put")
		r.broker.mw.Logger().WithResource(meta).Warn(ctx, "backplane put failed", observe.Field{Key: "error", Value: err})
	case !ok:
		r.broker.mw.Logger().WithResource(meta).Warn(ctx, "backplane rejected put")
	}
}

// run invokes the computation through the telemetry middleware.
func (r *resource[T]) run(ctx context.Context, meta observe.ResourceMeta, args []any) (T, error) {
	var out T
	err := r.broker.mw.Wrap(func(ctx context.Context, _ observe.ResourceMeta) error {
		v, err := r.fn(ctx, args...)
		out = v
		return err
	})(ctx, meta)
	return out, err
}
