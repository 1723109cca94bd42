package codec

import "fmt"

// Limit wraps another codec to enforce a maximum payload size at Decode time.
// Encode is forwarded to Inner unchanged. If MaxDecode <= 0, limiting is disabled.
//
// Typical use: protect readers from oversized entries in a shared cache.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }
func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("payload too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
