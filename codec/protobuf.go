package codec

import "google.golang.org/protobuf/proto"

// Protobuf serializes protobuf messages. T is the concrete message pointer
// type; the constructor produces fresh messages for Decode.
type Protobuf[T proto.Message] struct {
	new func() T
}

// NewProtobuf builds a Protobuf codec around a message constructor, e.g.
// NewProtobuf(func() *mypb.User { return &mypb.User{} }).
func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}
