package cache

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// KeySeparator joins a resource name and its argument digest.
// Changing it invalidates every stored entry.
const KeySeparator = "::"

// KeyDerivationError reports arguments that cannot be deterministically
// serialized. It unwraps to ErrUnserializable.
type KeyDerivationError struct {
	Name string
	Err  error
}

func (e *KeyDerivationError) Error() string {
	return fmt.Sprintf("cache: derive key for %q: %v", e.Name, e.Err)
}

func (e *KeyDerivationError) Unwrap() error {
	return e.Err
}

// Keyer generates deterministic cache keys from a resource name and the
// arguments of one call.
//
// Contract:
// - Determinism: same inputs must produce same key, regardless of map iteration order.
// - Order: argument order is significant.
// - Concurrency: implementations must be safe for concurrent use.
type Keyer interface {
	Key(name string, args []any) (string, error)
}

// DefaultKeyer generates SHA-1 based cache keys.
type DefaultKeyer struct{}

// NewDefaultKeyer creates a new default keyer.
func NewDefaultKeyer() *DefaultKeyer {
	return &DefaultKeyer{}
}

// Key generates a deterministic cache key.
// Format: <name> without arguments, <name>::<hex SHA-1(canonical(args))> otherwise.
func (k *DefaultKeyer) Key(name string, args []any) (string, error) {
	if len(args) == 0 {
		return name, nil
	}

	var b strings.Builder
	if err := canonicalize(&b, args); err != nil {
		return "", &KeyDerivationError{Name: name, Err: err}
	}

	sum := sha1.Sum([]byte(b.String()))
	return name + KeySeparator + hex.EncodeToString(sum[:]), nil
}

// canonicalize writes the identity encoding of v.
//
// Arrays are "a" followed by their elements joined with ",", objects are "o"
// followed by "key:value" pairs sorted by key. Containers nested inside
// another container are closed with ";". Scalars are written bare. Strings
// backslash-escape the delimiters and carry a leading backslash when they
// could read as another kind. Anything else is normalized through
// encoding/json first.
func canonicalize(b *strings.Builder, v any) error {
	return encode(b, v, 0)
}

func encode(b *strings.Builder, v any, depth int) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case string:
		writeString(b, val)
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case json.Number:
		b.WriteString(val.String())
	case []any:
		b.WriteByte('a')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, item, depth+1); err != nil {
				return err
			}
		}
		if depth > 0 {
			b.WriteByte(';')
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('o')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeEscaped(b, k)
			b.WriteByte(':')
			if err := encode(b, val[k], depth+1); err != nil {
				return err
			}
		}
		if depth > 0 {
			b.WriteByte(';')
		}
	default:
		if s, ok, err := formatNumber(val); ok {
			if err != nil {
				return err
			}
			b.WriteString(s)
			return nil
		}
		normalized, err := normalize(val)
		if err != nil {
			return err
		}
		return encode(b, normalized, depth)
	}
	return nil
}

// writeString writes a string leaf, marked with a leading backslash when
// it would otherwise be mistaken for a container, number or literal.
func writeString(b *strings.Builder, s string) {
	if needsMarker(s) {
		b.WriteByte('\\')
	}
	writeEscaped(b, s)
}

func needsMarker(s string) bool {
	if s == "" {
		return true
	}
	switch s {
	case "null", "true", "false":
		return true
	}
	return strings.IndexByte("ao\\,:;-0123456789", s[0]) >= 0
}

// writeEscaped writes s with a backslash before every delimiter byte.
func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\', ',', ':', ';':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
}

// formatNumber renders numeric kinds in shortest decimal form.
func formatNumber(v any) (string, bool, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), true, nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", true, fmt.Errorf("%w: non-finite float %v", ErrUnserializable, f)
		}
		bits := 64
		if rv.Kind() == reflect.Float32 {
			bits = 32
		}
		return strconv.FormatFloat(f, 'f', -1, bits), true, nil
	default:
		return "", false, nil
	}
}

// normalize maps v onto the JSON data model so that structs, typed slices
// and typed maps share one encoding with their generic equivalents.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnserializable, v, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrUnserializable, v, err)
	}
	return out, nil
}

// Ensure DefaultKeyer implements Keyer
var _ Keyer = (*DefaultKeyer)(nil)
