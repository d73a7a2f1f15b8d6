package network

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrishaVar/publichat/pkg/metrics"
	"github.com/GrishaVar/publichat/pkg/protocol"
	"github.com/GrishaVar/publichat/pkg/storage"
	"github.com/GrishaVar/publichat/pkg/transport"
)

var (
	roomA = protocol.ChatID{0xAA, 0x01}
	roomB = protocol.ChatID{0xBB, 0x02}

	fixedNow = time.UnixMilli(1_700_000_000_000)
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type dispatcherEnv struct {
	store   *storage.ChatStore
	index   *storage.RoomIndex
	metrics *metrics.Metrics
	conn    net.Conn
	done    chan error
}

func newDispatcherEnv(t *testing.T) *dispatcherEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewChatStore(dir)
	require.NoError(t, err)
	index, err := storage.NewRoomIndex(dir + "/rooms.db")
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	d := NewDispatcher(DispatcherConfig{
		Store:   store,
		Index:   index,
		Metrics: m,
		Logger:  quietLogger(),
		Now:     func() time.Time { return fixedNow },
	})

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- d.Serve(context.Background(), transport.NewRaw(server))
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })

	return &dispatcherEnv{store: store, index: index, metrics: m, conn: client, done: done}
}

func (e *dispatcherEnv) send(t *testing.T, room protocol.ChatID, fill byte) {
	t.Helper()
	packet, err := protocol.EncodeSend(room,
		bytes.Repeat([]byte{fill}, protocol.CypherSize),
		bytes.Repeat([]byte{^fill}, protocol.SignatureSize))
	require.NoError(t, err)
	_, err = e.conn.Write(packet)
	require.NoError(t, err)
}

func (e *dispatcherEnv) query(t *testing.T, room protocol.ChatID, id uint32, count uint8, forward bool) {
	t.Helper()
	packet, err := protocol.EncodeQuery(room, id, count, forward)
	require.NoError(t, err)
	_, err = e.conn.Write(packet)
	require.NoError(t, err)
}

func (e *dispatcherEnv) fetch(t *testing.T, room protocol.ChatID) {
	t.Helper()
	_, err := e.conn.Write(protocol.EncodeFetch(room))
	require.NoError(t, err)
}

func (e *dispatcherEnv) readBatch(t *testing.T) (*protocol.Head, []*protocol.Record) {
	t.Helper()
	e.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer e.conn.SetReadDeadline(time.Time{})

	head, err := protocol.ReadHead(e.conn)
	require.NoError(t, err)

	data := make([]byte, head.PayloadSize())
	_, err = io.ReadFull(e.conn, data)
	require.NoError(t, err)

	chunks, err := protocol.SplitRecords(data)
	require.NoError(t, err)
	records := make([]*protocol.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = &protocol.Record{}
		require.NoError(t, records[i].Decode(chunk))
	}
	return head, records
}

// waitLen waits for the dispatcher to have stored n records, since sends get
// no reply.
func (e *dispatcherEnv) waitLen(t *testing.T, room protocol.ChatID, n uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := e.store.Len(room)
		return err == nil && got == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherSendAndFetch(t *testing.T) {
	env := newDispatcherEnv(t)

	for i := byte(0); i < 3; i++ {
		env.send(t, roomA, 'a'+i)
	}
	env.waitLen(t, roomA, 3)

	env.fetch(t, roomA)
	head, records := env.readBatch(t)

	assert.Equal(t, roomA.Token(), head.Room)
	assert.Equal(t, uint32(0), head.FirstID)
	assert.Equal(t, uint8(3), head.Count)
	assert.True(t, head.Forward)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, uint64(fixedNow.UnixMilli()), rec.ServerTime)
		assert.Equal(t, byte('a'+i), rec.Cypher[0])
		assert.Equal(t, ^byte('a'+i), rec.Signature[0])
	}

	assert.Equal(t, 3.0, counterValue(t, env.metrics, "publichat_records_pushed_total"))

	info, err := env.index.Get(roomA)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Pushes)
	assert.Equal(t, uint32(2), info.LastID)
}

func TestDispatcherFetchLatest(t *testing.T) {
	env := newDispatcherEnv(t)

	for i := 0; i < 30; i++ {
		env.send(t, roomA, byte(i))
	}
	env.waitLen(t, roomA, 30)

	env.fetch(t, roomA)
	head, records := env.readBatch(t)
	assert.Equal(t, uint32(5), head.FirstID)
	assert.Equal(t, protocol.DefaultFetchAmount, head.Count)
	assert.Equal(t, byte(5), records[0].Cypher[0])
	assert.Equal(t, byte(29), records[24].Cypher[0])
}

func TestDispatcherQuery(t *testing.T) {
	env := newDispatcherEnv(t)

	for i := 0; i < 60; i++ {
		env.send(t, roomA, byte(i))
	}
	env.waitLen(t, roomA, 60)

	tests := []struct {
		name      string
		id        uint32
		count     uint8
		forward   bool
		wantFirst uint32
		wantCount uint8
	}{
		{"forward after cursor", 10, 5, true, 11, 5},
		{"backward before cursor", 10, 5, false, 5, 5},
		{"forward clamped", 0, 127, true, 1, protocol.MaxFetchAmount},
		{"backward at start", 3, 10, false, 0, 3},
		{"forward at end", 59, 10, true, 0, 0},
		{"backward past end", 100, 10, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.query(t, roomA, tt.id, tt.count, tt.forward)
			head, records := env.readBatch(t)

			assert.Equal(t, tt.forward, head.Forward)
			assert.Equal(t, tt.wantCount, head.Count)
			require.Len(t, records, int(tt.wantCount))
			if tt.wantCount > 0 {
				assert.Equal(t, tt.wantFirst, head.FirstID)
				assert.Equal(t, byte(tt.wantFirst), records[0].Cypher[0])
			}
		})
	}
}

func TestDispatcherEmptyRoom(t *testing.T) {
	env := newDispatcherEnv(t)

	env.fetch(t, roomB)
	head, records := env.readBatch(t)
	assert.Equal(t, roomB.Token(), head.Room)
	assert.Equal(t, uint8(0), head.Count)
	assert.Empty(t, records)

	env.query(t, roomB, 0, 10, true)
	head, _ = env.readBatch(t)
	assert.Equal(t, uint8(0), head.Count)
}

func TestDispatcherCorruptLogDropsRequest(t *testing.T) {
	env := newDispatcherEnv(t)

	require.NoError(t, os.WriteFile(env.store.Path(roomA), make([]byte, 100), 0o644))

	env.fetch(t, roomA)
	env.fetch(t, roomB)

	// the first reply belongs to the second request
	head, _ := env.readBatch(t)
	assert.Equal(t, roomB.Token(), head.Room)

	assert.Equal(t, 1.0, counterValue(t, env.metrics, "publichat_storage_corruption_total"))
}

func TestDispatcherStoreFailureClosesConnection(t *testing.T) {
	env := newDispatcherEnv(t)

	// a directory where the log file should be makes every push fail
	require.NoError(t, os.Mkdir(env.store.Path(roomA), 0o755))

	env.send(t, roomA, 'x')

	select {
	case err := <-env.done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, protocol.ErrProtocol)
		assert.Contains(t, err.Error(), "failed to store message")
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher kept serving after a failed push")
	}

	assert.Equal(t, 0.0, counterValue(t, env.metrics, "publichat_records_pushed_total"))
}

func TestDispatcherCorruptLogDropsSend(t *testing.T) {
	env := newDispatcherEnv(t)

	require.NoError(t, os.WriteFile(env.store.Path(roomA), make([]byte, 100), 0o644))

	env.send(t, roomA, 'x')
	env.fetch(t, roomB)

	head, _ := env.readBatch(t)
	assert.Equal(t, roomB.Token(), head.Room)

	info, err := os.Stat(env.store.Path(roomA))
	require.NoError(t, err)
	assert.Equal(t, int64(100), info.Size())
	assert.Equal(t, 1.0, counterValue(t, env.metrics, "publichat_storage_corruption_total"))
}

func TestDispatcherProtocolErrors(t *testing.T) {
	tests := []struct {
		name   string
		packet func() []byte
	}{
		{"unknown tag", func() []byte { return []byte("xyz" + string(make([]byte, 40))) }},
		{"bad end tag", func() []byte {
			p := protocol.EncodeFetch(roomA)
			copy(p[len(p)-3:], "eNd")
			return p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newDispatcherEnv(t)

			go env.conn.Write(tt.packet())

			select {
			case err := <-env.done:
				assert.ErrorIs(t, err, protocol.ErrProtocol)
			case <-time.After(2 * time.Second):
				t.Fatal("dispatcher did not close the connection")
			}
		})
	}
}

func TestDispatcherCleanClose(t *testing.T) {
	env := newDispatcherEnv(t)

	env.fetch(t, roomA)
	env.readBatch(t)
	env.conn.Close()

	select {
	case err := <-env.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return")
	}
}

func TestDispatcherTruncatedPacket(t *testing.T) {
	env := newDispatcherEnv(t)

	packet := protocol.EncodeFetch(roomA)
	_, err := env.conn.Write(packet[:10])
	require.NoError(t, err)
	env.conn.Close()

	select {
	case err := <-env.done:
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not return")
	}
}

func TestDispatcherCancelled(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Logger: quietLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Serve(ctx, transport.NewRaw(&bytes.Buffer{}))
	assert.ErrorIs(t, err, context.Canceled)
}

// counterValue reads a single-series counter from the registry by name
func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
