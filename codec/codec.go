// Package codec converts cached values to and from bytes.
package codec

import "fmt"

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns the codec registered under name: "json" (default when empty),
// "cbor" or "msgpack". A positive maxDecode wraps it in a Limit.
func ByName[V any](name string, maxDecode int) (Codec[V], error) {
	var c Codec[V]
	switch name {
	case "", "json":
		c = JSON[V]{}
	case "cbor":
		cb, err := NewCBOR[V](false)
		if err != nil {
			return nil, err
		}
		c = cb
	case "msgpack":
		c = Msgpack[V]{}
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	if maxDecode > 0 {
		return Limit[V]{Inner: c, MaxDecode: maxDecode}, nil
	}
	return c, nil
}
