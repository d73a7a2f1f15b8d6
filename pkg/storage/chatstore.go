package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

var (
	// ErrCorrupt is returned when a log file length is not a multiple of
	// the record size.
	ErrCorrupt = errors.New("chat log corrupted")

	// ErrLogFull is returned when a log would exceed 2^32 records.
	ErrLogFull = errors.New("chat log full")
)

// MaxRecords is the most records a single room log can hold.
const MaxRecords = 1<<32 - 1

// Result is a contiguous run of records read from a room log.
type Result struct {
	Count   uint8
	FirstID uint32
	Data    []byte // Count * RecordSize bytes
}

// Records splits Data into record-sized slices
func (r *Result) Records() [][]byte {
	recs, _ := protocol.SplitRecords(r.Data)
	return recs
}

// ChatStore keeps one append-only log file per room. A record's id is its
// byte offset divided by the record size.
//
// Pushes are serialised so that every record gets a distinct id. Readers
// take no lock; one that races a push may see a torn tail, which surfaces as
// ErrCorrupt for that read only.
type ChatStore struct {
	dir    string
	pushMu sync.Mutex
}

// NewChatStore creates a store rooted at dir, creating the directory if needed.
func NewChatStore(dir string) (*ChatStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &ChatStore{dir: dir}, nil
}

// Dir returns the data directory
func (s *ChatStore) Dir() string { return s.dir }

// FileName returns the log file name for a room.
func FileName(room protocol.ChatID) string {
	return base64.RawURLEncoding.EncodeToString(room[:])
}

// Path returns the log file path for a room
func (s *ChatStore) Path(room protocol.ChatID) string {
	return filepath.Join(s.dir, FileName(room))
}

// Push appends one record to the room log, creating it on first use, and
// returns the id the record was stored under.
func (s *ChatStore) Push(room protocol.ChatID, rec *protocol.Record) (uint32, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	f, err := os.OpenFile(s.Path(room), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open chat log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat chat log: %w", err)
	}
	size := uint64(info.Size())
	if size%uint64(protocol.RecordSize) != 0 {
		return 0, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, FileName(room), size)
	}
	id := size / uint64(protocol.RecordSize)
	if id >= MaxRecords {
		return 0, ErrLogFull
	}

	if _, err := f.Write(rec.Encode()); err != nil {
		return 0, fmt.Errorf("failed to write chat log: %w", err)
	}

	return uint32(id), nil
}

// Fetch returns the last count records of the room (all of them if the log
// is shorter). FirstID is the id of the first returned record; with count 0
// it equals the log length.
func (s *ChatStore) Fetch(room protocol.ChatID, count uint8) (*Result, error) {
	f, total, err := s.open(room)
	if err != nil || f == nil {
		return &Result{}, err
	}
	defer f.Close()

	n := uint64(count)
	if n > total {
		n = total
	}
	return readRange(f, total-n, n)
}

// Query returns up to count records strictly after (forward) or strictly
// before id. count is clamped to protocol.MaxFetchAmount.
func (s *ChatStore) Query(room protocol.ChatID, id uint32, count uint8, forward bool) (*Result, error) {
	if count == 0 || (!forward && id == 0) {
		return &Result{}, nil
	}
	if count > protocol.MaxFetchAmount {
		count = protocol.MaxFetchAmount
	}

	f, total, err := s.open(room)
	if err != nil || f == nil {
		return &Result{}, err
	}
	defer f.Close()

	cursor := uint64(id)
	if cursor > total {
		return &Result{}, nil
	}

	var start, n uint64
	if forward {
		if cursor+1 >= total {
			return &Result{}, nil
		}
		start = cursor + 1
		n = min(total-start, uint64(count))
	} else {
		if cursor >= uint64(count) {
			start, n = cursor-uint64(count), uint64(count)
		} else {
			start, n = 0, cursor
		}
	}

	return readRange(f, start, n)
}

// Len returns the number of records in a room log
func (s *ChatStore) Len(room protocol.ChatID) (uint32, error) {
	f, total, err := s.open(room)
	if err != nil || f == nil {
		return 0, err
	}
	f.Close()
	return uint32(total), nil
}

// open opens a room log for reading. A missing log is not an error: the
// returned file is nil.
func (s *ChatStore) open(room protocol.ChatID) (*os.File, uint64, error) {
	f, err := os.Open(s.Path(room))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open chat log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat chat log: %w", err)
	}

	size := uint64(info.Size())
	if size%uint64(protocol.RecordSize) != 0 {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, filepath.Base(f.Name()), size)
	}

	total := size / uint64(protocol.RecordSize)
	if total > MaxRecords {
		f.Close()
		return nil, 0, ErrLogFull
	}

	return f, total, nil
}

func readRange(f *os.File, start, n uint64) (*Result, error) {
	buf := make([]byte, n*uint64(protocol.RecordSize))
	if n > 0 {
		read, err := f.ReadAt(buf, int64(start)*int64(protocol.RecordSize))
		if err != nil && !(err == io.EOF && read == len(buf)) {
			return nil, fmt.Errorf("failed to read chat log: %w", err)
		}
	}

	return &Result{
		Count:   uint8(n),
		FirstID: uint32(start),
		Data:    buf,
	}, nil
}
