package negentropy

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/minio/sha256-simd"
)

const (
	IDSize          = 32
	FingerprintSize = 16
	// Infinity is the timestamp of the bound past the last item.
	Infinity = math.MaxUint64
)

var (
	ErrSealed    = errors.New("storage already sealed")
	ErrNotSealed = errors.New("storage not sealed")
	ErrIDSize    = fmt.Errorf("id must be %d bytes", IDSize)
)

// Item is one element of the set, or a bound between elements. A bound's id
// may be a prefix shorter than IDSize.
type Item struct {
	Timestamp uint64
	ID        []byte
}

func (i Item) Compare(o Item) int {
	switch {
	case i.Timestamp < o.Timestamp:
		return -1
	case i.Timestamp > o.Timestamp:
		return 1
	}
	return bytes.Compare(i.ID, o.ID)
}

// Accumulator sums ids modulo 2^256, reading them as little endian 32 bit
// limbs.
type Accumulator [IDSize]byte

func (a *Accumulator) Add(id []byte) {
	var carry uint64
	for i := 0; i < IDSize; i += 4 {
		sum := uint64(binary.LittleEndian.Uint32(a[i:])) +
			uint64(binary.LittleEndian.Uint32(id[i:])) + carry
		binary.LittleEndian.PutUint32(a[i:], uint32(sum))
		carry = sum >> 32
	}
}

// Neg replaces a with its additive inverse.
func (a *Accumulator) Neg() {
	for i := range a {
		a[i] = ^a[i]
	}
	var one Accumulator
	one[0] = 1
	a.Add(one[:])
}

// Fingerprint is sha256 of the accumulator followed by the varint count,
// truncated to FingerprintSize.
func (a *Accumulator) Fingerprint(n int) []byte {
	h := sha256.Sum256(AppendVarint(append([]byte{}, a[:]...), uint64(n)))
	return h[:FingerprintSize]
}

// Storage is a sorted vector of items. It takes inserts until Seal, after
// which it is immutable.
type Storage struct {
	items  []Item
	sealed bool
}

func NewStorage() *Storage { return &Storage{} }

func (s *Storage) Insert(timestamp uint64, id []byte) (err error) {
	if s.sealed {
		return ErrSealed
	}
	if len(id) != IDSize {
		return ErrIDSize
	}
	s.items = append(s.items, Item{timestamp, append([]byte{}, id...)})
	return
}

// InsertHex inserts an id given as hex.
func (s *Storage) InsertHex(timestamp uint64, id string) (err error) {
	var b []byte
	if b, err = hex.DecodeString(id); err != nil {
		return
	}
	return s.Insert(timestamp, b)
}

// Seal sorts the items and drops duplicates.
func (s *Storage) Seal() {
	if s.sealed {
		return
	}
	s.sealed = true
	sort.Slice(s.items, func(i, j int) bool { return s.items[i].Compare(s.items[j]) < 0 })
	out := s.items[:0]
	for i, it := range s.items {
		if i > 0 && it.Compare(out[len(out)-1]) == 0 {
			continue
		}
		out = append(out, it)
	}
	s.items = out
}

func (s *Storage) Sealed() bool { return s.sealed }

func (s *Storage) Size() int { return len(s.items) }

func (s *Storage) At(i int) Item { return s.items[i] }

// FindLowerBound is the first index in [lo, hi) whose item is not below b,
// or hi.
func (s *Storage) FindLowerBound(lo, hi int, b Item) int {
	return lo + sort.Search(hi-lo, func(i int) bool { return s.items[lo+i].Compare(b) >= 0 })
}

func (s *Storage) Fingerprint(lo, hi int) []byte {
	var acc Accumulator
	for _, it := range s.items[lo:hi] {
		acc.Add(it.ID)
	}
	return acc.Fingerprint(hi - lo)
}
