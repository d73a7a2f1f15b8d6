package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

func newTestIndex(t *testing.T) *RoomIndex {
	t.Helper()
	idx, err := NewRoomIndex(filepath.Join(t.TempDir(), "rooms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRoomIndexRecordPush(t *testing.T) {
	idx := newTestIndex(t)
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, idx.RecordPush(testRoom, 0, base))
	require.NoError(t, idx.RecordPush(testRoom, 1, base.Add(time.Second)))
	require.NoError(t, idx.RecordPush(testRoom, 2, base.Add(2*time.Second)))

	info, err := idx.Get(testRoom)
	require.NoError(t, err)
	assert.Equal(t, testRoom, info.ChatID)
	assert.Equal(t, FileName(testRoom), info.FileName)
	assert.Equal(t, int64(3), info.Pushes)
	assert.Equal(t, uint32(2), info.LastID)
	assert.Equal(t, base.UnixMilli(), info.FirstSeen.UnixMilli())
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), info.LastPush.UnixMilli())
}

func TestRoomIndexGetMissing(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.Get(testRoom)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoomIndexListOrder(t *testing.T) {
	idx := newTestIndex(t)
	base := time.UnixMilli(1_700_000_000_000)

	rooms := []protocol.ChatID{{0x01}, {0x02}, {0x03}}
	for i, room := range rooms {
		require.NoError(t, idx.RecordPush(room, 0, base.Add(time.Duration(i)*time.Minute)))
	}

	list, err := idx.List(10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, rooms[2], list[0].ChatID)
	assert.Equal(t, rooms[1], list[1].ChatID)
	assert.Equal(t, rooms[0], list[2].ChatID)

	list, err = idx.List(2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRoomIndexPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.db")

	idx, err := NewRoomIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.RecordPush(testRoom, 41, time.Now()))
	require.NoError(t, idx.Close())

	idx, err = NewRoomIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	info, err := idx.Get(testRoom)
	require.NoError(t, err)
	assert.Equal(t, uint32(41), info.LastID)
}
