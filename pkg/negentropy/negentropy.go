// Package negentropy implements range based set reconciliation, version 1.
//
// The initiator splits its sorted set into ranges each summarised by a
// fingerprint. The other side answers ranges whose fingerprints differ by
// splitting them further, until ranges are small enough to exchange their
// ids outright. The initiator collects the ids it has that the other side
// lacks, and the ids it needs.
package negentropy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/Hubmakerlabs/syncr/pkg/slog"
	"github.com/Hubmakerlabs/syncr/pkg/units"
	"golang.org/x/exp/slices"
)

var log, chk = slog.New(os.Stderr)

const (
	Version = 0x61
	// MinFrameLimit is the smallest nonzero frame size limit accepted.
	MinFrameLimit = 4 * units.KiB
	frameHeadroom = 200
	buckets       = 16
)

type Mode uint64

const (
	Skip Mode = iota
	Fingerprint
	IdList
)

var (
	ErrVersion     = errors.New("unsupported negentropy protocol version")
	ErrMalformed   = errors.New("malformed negentropy message")
	ErrInitiated   = errors.New("already initiated")
	ErrFrameLimit  = fmt.Errorf("frame size limit must be 0 or at least %d", MinFrameLimit)
	ErrUnsupported = errors.New("unexpected mode")
)

// T is one side of a reconciliation over a sealed Storage.
type T struct {
	storage    *Storage
	frameLimit int
	lastIn     uint64
	lastOut    uint64
	initiator  bool
}

// New reconciles over s, which must be sealed. A frameLimit of 0 means
// unlimited.
func New(s *Storage, frameLimit int) (n *T, err error) {
	if frameLimit != 0 && frameLimit < MinFrameLimit {
		return nil, ErrFrameLimit
	}
	if !s.Sealed() {
		return nil, ErrNotSealed
	}
	return &T{storage: s, frameLimit: frameLimit}, nil
}

func (n *T) IsInitiator() bool { return n.initiator }

// SetInitiator marks n as the initiator without producing the first message.
func (n *T) SetInitiator() { n.initiator = true }

// Initiate produces the opening message.
func (n *T) Initiate() (msg []byte, err error) {
	if n.initiator {
		return nil, ErrInitiated
	}
	n.initiator = true
	n.lastOut = 0
	msg = []byte{Version}
	msg = n.splitRange(0, n.storage.Size(), Item{Timestamp: Infinity}, msg)
	return
}

func (n *T) exceeded(size int) bool {
	return n.frameLimit != 0 && size > n.frameLimit-frameHeadroom
}

// Reconcile processes one received message. For the initiator a nil reply
// means reconciliation is complete; have and need are only filled for the
// initiator.
func (n *T) Reconcile(query []byte) (reply []byte, have, need [][]byte, err error) {
	q := NewBuffer(query)
	n.lastIn, n.lastOut = 0, 0
	full := []byte{Version}
	var v byte
	if v, err = q.Byte(); err != nil {
		return
	}
	if v < 0x60 || v > 0x6f {
		err = fmt.Errorf("%w: invalid version byte %#x", ErrMalformed, v)
		return
	}
	if v != Version {
		if n.initiator {
			err = fmt.Errorf("%w: %d", ErrVersion, v-0x60)
			return
		}
		return full, nil, nil, nil
	}
	size := n.storage.Size()
	prevBound := Item{}
	prevIndex := 0
	skip := false
	for q.Len() != 0 {
		var o []byte
		doSkip := func() {
			if skip {
				skip = false
				o = n.encodeBound(o, prevBound)
				o = AppendVarint(o, uint64(Skip))
			}
		}
		var curr Item
		if curr, err = n.decodeBound(q); err != nil {
			return
		}
		var mode uint64
		if q.Len() != 0 {
			if mode, err = q.Varint(); err != nil {
				return
			}
		}
		lower := prevIndex
		upper := n.storage.FindLowerBound(prevIndex, size, curr)
		switch Mode(mode) {
		case Skip:
			skip = true
		case Fingerprint:
			var theirs []byte
			if theirs, err = q.Bytes(FingerprintSize); err != nil {
				return
			}
			if slices.Equal(theirs, n.storage.Fingerprint(lower, upper)) {
				skip = true
			} else {
				doSkip()
				o = n.splitRange(lower, upper, curr, o)
			}
		case IdList:
			var count uint64
			if count, err = q.Varint(); err != nil {
				return
			}
			if count > uint64(q.Len()/IDSize) {
				err = fmt.Errorf("%w: id list of %d overruns frame", ErrMalformed, count)
				return
			}
			theirs := make(map[string]bool, count)
			order := make([][]byte, 0, count)
			for i := uint64(0); i < count; i++ {
				var id []byte
				if id, err = q.Bytes(IDSize); err != nil {
					return
				}
				if !theirs[string(id)] {
					theirs[string(id)] = true
					order = append(order, id)
				}
			}
			for i := lower; i < upper; i++ {
				id := n.storage.At(i).ID
				if theirs[string(id)] {
					delete(theirs, string(id))
				} else if n.initiator {
					have = append(have, id)
				}
			}
			if n.initiator {
				skip = true
				for _, id := range order {
					if theirs[string(id)] {
						need = append(need, id)
					}
				}
				break
			}
			doSkip()
			var ids []byte
			var num uint64
			end := curr
			for i := lower; i < upper; i++ {
				if n.exceeded(len(full) + len(ids)) {
					end = n.storage.At(i)
					upper = i
					break
				}
				ids = append(ids, n.storage.At(i).ID...)
				num++
			}
			o = n.encodeBound(o, end)
			o = AppendVarint(o, uint64(IdList))
			o = AppendVarint(o, num)
			o = append(o, ids...)
			full = append(full, o...)
			o = nil
		default:
			err = fmt.Errorf("%w: %d", ErrUnsupported, mode)
			return
		}
		if n.exceeded(len(full) + len(o)) {
			// out of room: one fingerprint covers whatever is left
			full = n.encodeBound(full, Item{Timestamp: Infinity})
			full = AppendVarint(full, uint64(Fingerprint))
			full = append(full, n.storage.Fingerprint(upper, size)...)
			break
		}
		full = append(full, o...)
		prevIndex = upper
		prevBound = curr
	}
	if n.initiator && len(full) == 1 {
		return nil, have, need, nil
	}
	return full, have, need, nil
}

func (n *T) splitRange(lower, upper int, upperBound Item, o []byte) []byte {
	count := upper - lower
	if count < buckets*2 {
		o = n.encodeBound(o, upperBound)
		o = AppendVarint(o, uint64(IdList))
		o = AppendVarint(o, uint64(count))
		for i := lower; i < upper; i++ {
			o = append(o, n.storage.At(i).ID...)
		}
		return o
	}
	per, extra := count/buckets, count%buckets
	curr := lower
	for i := 0; i < buckets; i++ {
		size := per
		if i < extra {
			size++
		}
		fp := n.storage.Fingerprint(curr, curr+size)
		curr += size
		next := upperBound
		if curr != upper {
			next = minimalBound(n.storage.At(curr-1), n.storage.At(curr))
		}
		o = n.encodeBound(o, next)
		o = AppendVarint(o, uint64(Fingerprint))
		o = append(o, fp...)
	}
	return o
}

// minimalBound is the shortest bound that sorts above prev and not above
// curr.
func minimalBound(prev, curr Item) Item {
	if curr.Timestamp != prev.Timestamp {
		return Item{Timestamp: curr.Timestamp}
	}
	shared := 0
	for shared < IDSize && curr.ID[shared] == prev.ID[shared] {
		shared++
	}
	return Item{Timestamp: curr.Timestamp, ID: curr.ID[:shared+1]}
}

func (n *T) encodeBound(o []byte, b Item) []byte {
	if b.Timestamp == Infinity {
		n.lastOut = Infinity
		o = AppendVarint(o, 0)
	} else {
		delta := b.Timestamp - n.lastOut
		n.lastOut = b.Timestamp
		o = AppendVarint(o, delta+1)
	}
	o = AppendVarint(o, uint64(len(b.ID)))
	return append(o, b.ID...)
}

func (n *T) decodeBound(q *Buffer) (b Item, err error) {
	var ts uint64
	if ts, err = q.Varint(); err != nil {
		return
	}
	switch {
	case ts == 0 || n.lastIn == Infinity:
		ts = Infinity
	default:
		ts = ts - 1 + n.lastIn
	}
	n.lastIn = ts
	var l uint64
	if l, err = q.Varint(); err != nil {
		return
	}
	if l > IDSize {
		err = fmt.Errorf("%w: bound key too long", ErrMalformed)
		return
	}
	var prefix []byte
	if prefix, err = q.Bytes(int(l)); err != nil {
		return
	}
	b = Item{Timestamp: ts, ID: make([]byte, IDSize)}
	copy(b.ID, prefix)
	return
}

// Hex renders ids as lower case hex.
func Hex(ids [][]byte) (out []string) {
	for _, id := range ids {
		out = append(out, hex.EncodeToString(id))
	}
	return
}
