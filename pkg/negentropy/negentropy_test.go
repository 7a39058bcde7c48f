package negentropy_test

import (
	"encoding/binary"
	"testing"

	"github.com/Hubmakerlabs/syncr/pkg/negentropy"
	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(i int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i))
	h := sha256.Sum256(b[:])
	return h[:]
}

func storage(t *testing.T, from, to int, skip ...int) *negentropy.Storage {
	s := negentropy.NewStorage()
next:
	for i := from; i < to; i++ {
		for _, k := range skip {
			if i == k {
				continue next
			}
		}
		require.NoError(t, s.Insert(uint64(1700000000+i/3), id(i)))
	}
	s.Seal()
	return s
}

type result struct {
	have, need [][]byte
	rounds     int
}

// run reconciles client against server, checking every frame against limit.
func run(t *testing.T, client, server *negentropy.Storage, limit int) (r result) {
	c, err := negentropy.New(client, limit)
	require.NoError(t, err)
	s, err := negentropy.New(server, limit)
	require.NoError(t, err)
	msg, err := c.Initiate()
	require.NoError(t, err)
	for msg != nil {
		if limit != 0 {
			require.LessOrEqual(t, len(msg), limit)
		}
		r.rounds++
		require.Less(t, r.rounds, 1000, "reconciliation did not converge")
		var reply []byte
		reply, _, _, err = s.Reconcile(msg)
		require.NoError(t, err)
		if limit != 0 {
			require.LessOrEqual(t, len(reply), limit)
		}
		var have, need [][]byte
		msg, have, need, err = c.Reconcile(reply)
		require.NoError(t, err)
		r.have = append(r.have, have...)
		r.need = append(r.need, need...)
	}
	return
}

func TestVarint(t *testing.T) {
	for _, n := range []uint64{0, 1, 127, 128, 300, 1 << 32, 1<<64 - 1} {
		b := negentropy.AppendVarint(nil, n)
		got, err := negentropy.NewBuffer(b).Varint()
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	assert.Equal(t, []byte{0x82, 0x2c}, negentropy.AppendVarint(nil, 300))
	_, err := negentropy.NewBuffer([]byte{0x80, 0x80}).Varint()
	assert.ErrorIs(t, err, negentropy.ErrMalformed)
}

func TestBufferBounds(t *testing.T) {
	b := negentropy.NewBuffer([]byte{1, 2, 3})
	_, err := b.Bytes(4)
	assert.ErrorIs(t, err, negentropy.ErrMalformed)
	got, err := b.Bytes(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
	assert.Equal(t, 1, b.Len())
}

func TestAccumulator(t *testing.T) {
	var a negentropy.Accumulator
	x := id(1)
	a.Add(x)
	a.Add(id(2))
	var neg negentropy.Accumulator
	neg.Add(id(2))
	neg.Neg()
	a.Add(neg[:])
	assert.Equal(t, x, a[:], "adding a negation subtracts")

	var wrap negentropy.Accumulator
	for i := range wrap {
		wrap[i] = 0xff
	}
	var one [32]byte
	one[0] = 1
	wrap.Add(one[:])
	assert.Equal(t, negentropy.Accumulator{}, wrap, "addition is mod 2^256")
	assert.Len(t, a.Fingerprint(1), negentropy.FingerprintSize)
}

func TestStorage(t *testing.T) {
	s := negentropy.NewStorage()
	require.NoError(t, s.Insert(2, id(1)))
	require.NoError(t, s.Insert(1, id(2)))
	require.NoError(t, s.Insert(2, id(1)))
	assert.ErrorIs(t, s.Insert(1, []byte{1}), negentropy.ErrIDSize)
	_, err := negentropy.New(s, 0)
	assert.ErrorIs(t, err, negentropy.ErrNotSealed)
	s.Seal()
	assert.ErrorIs(t, s.Insert(3, id(3)), negentropy.ErrSealed)
	require.Equal(t, 2, s.Size(), "duplicates are dropped")
	assert.Equal(t, uint64(1), s.At(0).Timestamp)
	assert.Equal(t, 1, s.FindLowerBound(0, 2, negentropy.Item{Timestamp: 2}))
	assert.Equal(t, 2, s.FindLowerBound(0, 2, negentropy.Item{Timestamp: negentropy.Infinity}))
}

func TestFrameLimitTooSmall(t *testing.T) {
	_, err := negentropy.New(storage(t, 0, 1), 1000)
	assert.ErrorIs(t, err, negentropy.ErrFrameLimit)
}

func TestInitiateTwice(t *testing.T) {
	n, err := negentropy.New(storage(t, 0, 1), 0)
	require.NoError(t, err)
	_, err = n.Initiate()
	require.NoError(t, err)
	_, err = n.Initiate()
	assert.ErrorIs(t, err, negentropy.ErrInitiated)
}

func TestIdenticalSets(t *testing.T) {
	r := run(t, storage(t, 0, 500), storage(t, 0, 500), 0)
	assert.Empty(t, r.have)
	assert.Empty(t, r.need)
	assert.Equal(t, 1, r.rounds)
}

func TestLargeSetsDifferingByOne(t *testing.T) {
	full := storage(t, 0, 10000)
	missing := storage(t, 0, 10000, 4321)

	r := run(t, missing, full, 50000)
	require.Len(t, r.need, 1)
	assert.Equal(t, id(4321), r.need[0])
	assert.Empty(t, r.have)
	assert.LessOrEqual(t, r.rounds, 5)

	r = run(t, full, missing, 50000)
	require.Len(t, r.have, 1)
	assert.Equal(t, id(4321), r.have[0])
	assert.Empty(t, r.need)
	assert.LessOrEqual(t, r.rounds, 5)
}

func TestSmallSets(t *testing.T) {
	r := run(t, storage(t, 0, 10), storage(t, 5, 20), 0)
	assert.ElementsMatch(t, [][]byte{id(0), id(1), id(2), id(3), id(4)}, r.have)
	var want [][]byte
	for i := 10; i < 20; i++ {
		want = append(want, id(i))
	}
	assert.ElementsMatch(t, want, r.need)
}

func TestFrameLimitSplitsRounds(t *testing.T) {
	r := run(t, storage(t, 0, 0), storage(t, 0, 2000), negentropy.MinFrameLimit)
	assert.Len(t, r.need, 2000)
	assert.Greater(t, r.rounds, 1, "ids spread over several frames")
}

func TestVersionMismatch(t *testing.T) {
	c, err := negentropy.New(storage(t, 0, 3), 0)
	require.NoError(t, err)
	_, err = c.Initiate()
	require.NoError(t, err)
	_, _, _, err = c.Reconcile([]byte{0x62})
	assert.ErrorIs(t, err, negentropy.ErrVersion)

	s, err := negentropy.New(storage(t, 0, 3), 0)
	require.NoError(t, err)
	reply, _, _, err := s.Reconcile([]byte{0x62})
	require.NoError(t, err)
	assert.Equal(t, []byte{negentropy.Version}, reply, "responder signals fallback")

	_, _, _, err = s.Reconcile([]byte{0x10})
	assert.ErrorIs(t, err, negentropy.ErrMalformed)
}

func TestTruncatedMessage(t *testing.T) {
	c, err := negentropy.New(storage(t, 0, 100), 0)
	require.NoError(t, err)
	msg, err := c.Initiate()
	require.NoError(t, err)
	s, err := negentropy.New(storage(t, 0, 100), 0)
	require.NoError(t, err)
	_, _, _, err = s.Reconcile(msg[:len(msg)-3])
	assert.ErrorIs(t, err, negentropy.ErrMalformed)
}
