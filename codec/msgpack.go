package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack encodes with vmihailenco/msgpack/v5. Field names come from
// `msgpack` tags, so cached types need them to stay stable across renames.
type Msgpack[V any] struct{}

var _ Codec[struct{}] = Msgpack[struct{}]{}

func (Msgpack[V]) Encode(v V) ([]byte, error) { return msgpack.Marshal(v) }

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
