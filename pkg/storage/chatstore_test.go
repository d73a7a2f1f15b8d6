package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

var testRoom = protocol.ChatID{0xDE, 0xAD, 0xBE, 0xEF}

func newTestStore(t *testing.T) *ChatStore {
	t.Helper()
	s, err := NewChatStore(t.TempDir())
	require.NoError(t, err)
	return s
}

// pushN appends n records whose server time equals their id
func pushN(t *testing.T, s *ChatStore, room protocol.ChatID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rec := &protocol.Record{ServerTime: uint64(i)}
		rec.Cypher[0] = byte(i)
		id, err := s.Push(room, rec)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}
}

// ids decodes the record ids out of a result built by pushN
func ids(t *testing.T, r *Result) []uint32 {
	t.Helper()
	out := []uint32{}
	for _, raw := range r.Records() {
		out = append(out, uint32(binary.BigEndian.Uint64(raw[:8])))
	}
	return out
}

func TestPushCreatesLog(t *testing.T) {
	s := newTestStore(t)

	_, err := os.Stat(s.Path(testRoom))
	assert.True(t, os.IsNotExist(err))

	pushN(t, s, testRoom, 3)

	info, err := os.Stat(s.Path(testRoom))
	require.NoError(t, err)
	assert.Equal(t, int64(3*protocol.RecordSize), info.Size())

	n, err := s.Len(testRoom)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	assert.Equal(t, "3q2-7wAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", filepath.Base(s.Path(testRoom)))
}

func TestPushedRecordRoundtrip(t *testing.T) {
	s := newTestStore(t)

	rec := &protocol.Record{ServerTime: 1_650_000_000_000}
	for i := range rec.Cypher {
		rec.Cypher[i] = byte(i * 7)
	}
	for i := range rec.Signature {
		rec.Signature[i] = byte(i * 3)
	}
	_, err := s.Push(testRoom, rec)
	require.NoError(t, err)

	res, err := s.Fetch(testRoom, 1)
	require.NoError(t, err)
	require.Equal(t, uint8(1), res.Count)

	var got protocol.Record
	require.NoError(t, got.Decode(res.Data))
	assert.Equal(t, *rec, got)
}

func TestFetch(t *testing.T) {
	s := newTestStore(t)
	pushN(t, s, testRoom, 10)

	tests := []struct {
		name      string
		count     uint8
		wantFirst uint32
		wantIDs   []uint32
	}{
		{"last three", 3, 7, []uint32{7, 8, 9}},
		{"exactly all", 10, 0, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"more than stored", 25, 0, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"zero", 0, 10, []uint32{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Fetch(testRoom, tt.count)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, res.FirstID)
			assert.Equal(t, uint8(len(tt.wantIDs)), res.Count)
			assert.Equal(t, tt.wantIDs, ids(t, res))
		})
	}
}

func TestFetchAfterPush(t *testing.T) {
	for k := 1; k <= 25; k += 6 {
		s := newTestStore(t)
		pushN(t, s, testRoom, k)

		res, err := s.Fetch(testRoom, protocol.DefaultFetchAmount)
		require.NoError(t, err)
		assert.Equal(t, uint8(k), res.Count)
		assert.Equal(t, uint32(0), res.FirstID)
		assert.Len(t, res.Data, k*protocol.RecordSize)
	}
}

func TestFetchMissingRoom(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Fetch(testRoom, 25)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), res.Count)
	assert.Equal(t, uint32(0), res.FirstID)
	assert.Empty(t, res.Data)
}

func TestQuery(t *testing.T) {
	s := newTestStore(t)
	pushN(t, s, testRoom, 10)

	tests := []struct {
		name      string
		id        uint32
		count     uint8
		forward   bool
		wantFirst uint32
		wantIDs   []uint32
	}{
		{"forward", 3, 4, true, 4, []uint32{4, 5, 6, 7}},
		{"forward clipped at end", 6, 10, true, 7, []uint32{7, 8, 9}},
		{"forward at last id", 9, 5, true, 0, []uint32{}},
		{"forward past end", 10, 5, true, 0, []uint32{}},
		{"backward", 8, 3, false, 5, []uint32{5, 6, 7}},
		{"backward clamped to zero", 2, 5, false, 0, []uint32{0, 1}},
		{"backward from zero", 0, 5, false, 0, []uint32{}},
		{"backward from log length", 10, 2, false, 8, []uint32{8, 9}},
		{"backward beyond log", 11, 2, false, 0, []uint32{}},
		{"zero count", 3, 0, true, 0, []uint32{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Query(testRoom, tt.id, tt.count, tt.forward)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFirst, res.FirstID)
			assert.Equal(t, uint8(len(tt.wantIDs)), res.Count)
			assert.Equal(t, tt.wantIDs, ids(t, res))
		})
	}
}

func TestQueryNeverReturnsCursor(t *testing.T) {
	s := newTestStore(t)
	pushN(t, s, testRoom, 60)

	for id := uint32(0); id < 60; id++ {
		for _, forward := range []bool{true, false} {
			res, err := s.Query(testRoom, id, 50, forward)
			require.NoError(t, err)
			assert.NotContains(t, ids(t, res), id)
		}
	}
}

func TestQueryClampsCount(t *testing.T) {
	s := newTestStore(t)
	pushN(t, s, testRoom, 120)

	res, err := s.Query(testRoom, 0, 127, true)
	require.NoError(t, err)
	assert.Equal(t, protocol.MaxFetchAmount, res.Count)
	assert.Equal(t, uint32(1), res.FirstID)

	res, err = s.Query(testRoom, 119, 100, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.MaxFetchAmount, res.Count)
	assert.Equal(t, uint32(69), res.FirstID)
}

func TestQueryEmptyLog(t *testing.T) {
	s := newTestStore(t)

	res, err := s.Query(testRoom, 0, 10, true)
	require.NoError(t, err)
	assert.Zero(t, res.Count)

	// an existing but empty file behaves like a missing one
	require.NoError(t, os.WriteFile(s.Path(testRoom), nil, 0o644))
	res, err = s.Query(testRoom, 0, 10, true)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
}

func TestRoomsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	other := protocol.ChatID{0x01}

	pushN(t, s, testRoom, 4)
	pushN(t, s, other, 2)

	a, err := s.Fetch(testRoom, 25)
	require.NoError(t, err)
	b, err := s.Fetch(other, 25)
	require.NoError(t, err)

	assert.Equal(t, uint8(4), a.Count)
	assert.Equal(t, uint8(2), b.Count)
}

func TestCorruptLog(t *testing.T) {
	s := newTestStore(t)
	pushN(t, s, testRoom, 2)

	f, err := os.OpenFile(s.Path(testRoom), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.Fetch(testRoom, 25)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = s.Query(testRoom, 0, 5, true)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = s.Len(testRoom)
	assert.ErrorIs(t, err, ErrCorrupt)

	// a push must not land at a misaligned offset
	_, err = s.Push(testRoom, &protocol.Record{})
	assert.ErrorIs(t, err, ErrCorrupt)

	info, err := os.Stat(s.Path(testRoom))
	require.NoError(t, err)
	assert.Equal(t, int64(2*protocol.RecordSize+3), info.Size())
}

func TestConcurrentPushAndRead(t *testing.T) {
	s := newTestStore(t)

	const writers, perWriter = 4, 25

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]bool)
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := s.Push(testRoom, &protocol.Record{ServerTime: uint64(i)})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[id], "id %d handed out twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// readers run alongside the writers and only ever see whole records or
	// a torn tail
	for {
		select {
		case <-done:
			n, err := s.Len(testRoom)
			require.NoError(t, err)
			assert.Equal(t, uint32(writers*perWriter), n)
			assert.Len(t, seen, writers*perWriter)
			return
		default:
		}
		res, err := s.Fetch(testRoom, 10)
		if err != nil {
			assert.ErrorIs(t, err, ErrCorrupt)
			continue
		}
		assert.Len(t, res.Data, int(res.Count)*protocol.RecordSize)
	}
}
