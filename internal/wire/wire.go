package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/spoolcache/spoolcache/backend"
)

const (
	version byte = 1
	kindRow byte = 1
)

var (
	ErrCorrupt = errors.New("spoolcache: corrupt row")
	magic4     = [...]byte{'S', 'P', 'O', 'L'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// millis flattens a timestamp to unix milliseconds; 0 means unset.
func millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func fromMillis(ms uint64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// Row: magic(4) | ver(1) | kind(1=row) | created(u64 be ms) | expires(u64 be ms, 0=never)
//
//	| klen(u16 be) | key(klen) | tlen(u16 be) | type(tlen) | vlen(u32 be) | value(vlen)
func EncodeRow(e backend.Element) ([]byte, error) {
	if l := len(e.Key); l == 0 || l > 0xFFFF {
		return nil, fmt.Errorf("spoolcache: invalid key length %d in row", len(e.Key))
	}
	if len(e.TypeName) > 0xFFFF {
		return nil, fmt.Errorf("spoolcache: invalid type length %d in row", len(e.TypeName))
	}

	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 2 + len(e.Key) + 2 + len(e.TypeName) + 4 + len(e.Value))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRow)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], millis(e.CreatedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], millis(e.ExpiresAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.Key)))
	buf.Write(u2[:])
	buf.WriteString(e.Key)

	binary.BigEndian.PutUint16(u2[:], uint16(len(e.TypeName)))
	buf.Write(u2[:])
	buf.WriteString(e.TypeName)

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Value)))
	buf.Write(u4[:])
	buf.Write(e.Value)

	return buf.Bytes(), nil
}

// DecodeRow is strict: bad magic, unknown version or kind, announced lengths
// beyond the buffer, and trailing bytes are all corruption. Value is a
// zero-copy subslice of b.
func DecodeRow(b []byte) (backend.Element, error) {
	const hdr = 4 + 1 + 1 + 8 + 8
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindRow {
		return backend.Element{}, ErrCorrupt
	}

	off := 6

	created := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	expires := binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	// key
	if off+2 > len(b) {
		return backend.Element{}, ErrCorrupt
	}
	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen <= 0 || klen > len(b)-off {
		return backend.Element{}, ErrCorrupt
	}
	keyBytes := b[off : off+klen]
	off += klen

	// type
	if off+2 > len(b) {
		return backend.Element{}, ErrCorrupt
	}
	tlen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if tlen > len(b)-off {
		return backend.Element{}, ErrCorrupt
	}
	typeBytes := b[off : off+tlen]
	off += tlen

	// value
	if off+4 > len(b) {
		return backend.Element{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off {
		return backend.Element{}, ErrCorrupt
	}
	value := b[off : off+vlen]
	off += vlen

	if off != len(b) {
		return backend.Element{}, ErrCorrupt
	}

	return backend.Element{
		Key:       string(keyBytes),
		TypeName:  string(typeBytes),
		Value:     value,
		CreatedAt: fromMillis(created),
		ExpiresAt: fromMillis(expires),
	}, nil
}
