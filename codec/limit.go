package codec

import "fmt"

// Limit wraps another codec to cap the permitted payload size at Decode
// time. Encode is forwarded unchanged. MaxDecode <= 0 disables the cap.
//
// Typical use: protect against oversized rows coming from a store shared
// with other writers.
type Limit[V any] struct {
	// Inner is the wrapped codec. Must be set.
	Inner Codec[V]
	// MaxDecode is the maximum permitted payload length in bytes. Longer
	// payloads fail Decode without invoking Inner.
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
