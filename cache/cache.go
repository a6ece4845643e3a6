package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a resource name.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrNilBackplane     = errors.New("cache: backplane is nil")
	ErrNilBroker        = errors.New("cache: broker is nil")
	ErrNilFunc          = errors.New("cache: computation is nil")
	ErrInvalidKey       = errors.New("cache: key is invalid")
	ErrKeyTooLong       = errors.New("cache: key exceeds max length")
	ErrUnserializable   = errors.New("cache: arguments are not serializable")
	ErrInvalidType      = errors.New("cache: unknown value type")
	ErrTypeMismatch     = errors.New("cache: value type does not match declared type")
	ErrInvalidLifetimes = errors.New("cache: invalid lifetimes")
)

// Type selects how a stored value is decoded on read.
type Type string

const (
	TypeJSON        Type = "json"
	TypeArrayBuffer Type = "arrayBuffer"
	TypeStream      Type = "stream"
	TypeText        Type = "text"
)

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypeJSON, TypeArrayBuffer, TypeStream, TypeText:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	return string(t)
}

// Metadata is stored alongside every value. Timestamps are Unix milliseconds.
// A zero ExpireAt means the entry carries no freshness information.
type Metadata struct {
	ExpireAt      int64 `json:"expireAt,omitempty"`
	ErrorExpireAt int64 `json:"errorExpireAt,omitempty"`
}

// NewMetadata builds the metadata for a value computed at computedAt.
func NewMetadata(computedAt time.Time, l Lifetimes) Metadata {
	ms := computedAt.UnixMilli()
	return Metadata{
		ExpireAt:      ms + l.TTL.Milliseconds(),
		ErrorExpireAt: ms + l.ErrorTTL.Milliseconds(),
	}
}

// Fresh reports whether now falls inside the freshness window.
// Nil metadata and a missing ExpireAt are both treated as expired.
func (m *Metadata) Fresh(now time.Time) bool {
	return m != nil && m.ExpireAt != 0 && now.UnixMilli() < m.ExpireAt
}

// InGrace reports whether a failed refresh at now is still covered by the
// stale-on-error window.
func (m *Metadata) InGrace(now time.Time) bool {
	return m != nil && now.UnixMilli() <= m.ErrorExpireAt
}

// Result is what a Backplane returns from Read. Absence is signaled by a nil
// Value and nil Metadata.
type Result struct {
	Value    []byte
	Metadata *Metadata
}

// Hit reports whether the result carries a value.
func (r Result) Hit() bool {
	return r.Value != nil
}

// Backplane is the storage layer behind a Broker.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Read: a missing key returns an empty Result and a nil error.
//     typ is the declared decoding mode and ttl an advisory read-through hint.
//   - Put: maxTTL is the absolute horizon the store enforces on the entry.
//     The boolean reports whether the write was accepted.
//   - Defer: runs task to completion independently of the calling request.
//     Failures and panics inside task must not reach the caller.
type Backplane interface {
	Read(ctx context.Context, key string, typ Type, ttl time.Duration) (Result, error)
	Put(ctx context.Context, key string, value []byte, md Metadata, maxTTL time.Duration) (bool, error)
	Defer(task func(ctx context.Context))
}

// ValidateKey checks if a resource name is usable as a cache key.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	// Reject keys with newlines or carriage returns
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
