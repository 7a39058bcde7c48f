package negentropy

import (
	"fmt"
)

// Buffer is a read cursor over a received frame. Every read is bounds
// checked and fails with ErrMalformed instead of running past the end.
type Buffer struct {
	b   []byte
	pos int
}

func NewBuffer(b []byte) *Buffer { return &Buffer{b: b} }

// Len is the number of unread bytes.
func (b *Buffer) Len() int { return len(b.b) - b.pos }

func (b *Buffer) Byte() (c byte, err error) {
	if b.Len() < 1 {
		return 0, fmt.Errorf("%w: unexpected end of frame", ErrMalformed)
	}
	c = b.b[b.pos]
	b.pos++
	return
}

func (b *Buffer) Bytes(n int) (s []byte, err error) {
	if n < 0 || b.Len() < n {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformed, n, b.Len())
	}
	s = b.b[b.pos : b.pos+n]
	b.pos += n
	return
}

// Varint reads a big endian base 128 integer: high bit set on every byte
// but the last.
func (b *Buffer) Varint() (n uint64, err error) {
	for i := 0; ; i++ {
		if i == 10 {
			return 0, fmt.Errorf("%w: varint too long", ErrMalformed)
		}
		var c byte
		if c, err = b.Byte(); err != nil {
			return
		}
		n = n<<7 | uint64(c&0x7f)
		if c&0x80 == 0 {
			return
		}
	}
}

// AppendVarint appends n in the encoding Buffer.Varint reads.
func AppendVarint(dst []byte, n uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(n & 0x7f)
	for n >>= 7; n > 0; n >>= 7 {
		i--
		tmp[i] = byte(n&0x7f) | 0x80
	}
	return append(dst, tmp[i:]...)
}
