// Package codec provides pluggable value serialization for spoolcache.
// The queue stores opaque bytes; a Codec turns the caller's value type into
// those bytes and back.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
