package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/GrishaVar/publichat/pkg/protocol"
)

var ErrNotFound = errors.New("not found")

// RoomInfo is the index entry of a room that has received at least one push
type RoomInfo struct {
	ChatID    protocol.ChatID
	FileName  string
	Pushes    int64  // pushes seen since the index was created
	LastID    uint32 // id of the latest record pushed
	FirstSeen time.Time
	LastPush  time.Time
}

// RoomIndex is a SQLite directory of active rooms. It is advisory: the log
// files stay the source of truth and the index can be rebuilt or dropped.
type RoomIndex struct {
	db *sql.DB
}

// NewRoomIndex opens (or creates) the index database at dbPath.
// ":memory:" gives a throwaway index.
func NewRoomIndex(dbPath string) (*RoomIndex, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	// a single connection keeps writers from tripping over SQLITE_BUSY
	// and makes ":memory:" share one database
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	idx := &RoomIndex{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return idx, nil
}

func (idx *RoomIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		chat_id TEXT PRIMARY KEY,
		file_name TEXT NOT NULL,
		token INTEGER NOT NULL,
		pushes INTEGER NOT NULL DEFAULT 0,
		last_id INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_push INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_push ON rooms(last_push DESC);
	`

	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// RecordPush notes that record id was appended to room at the given time.
func (idx *RoomIndex) RecordPush(room protocol.ChatID, id uint32, at time.Time) error {
	query := `
		INSERT INTO rooms (chat_id, file_name, token, pushes, last_id, first_seen, last_push)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			pushes = pushes + 1,
			last_id = MAX(last_id, excluded.last_id),
			last_push = MAX(last_push, excluded.last_push)
	`

	ms := at.UnixMilli()
	_, err := idx.db.Exec(query, hex.EncodeToString(room[:]), FileName(room), int(room.Token()), id, ms, ms)
	if err != nil {
		return fmt.Errorf("failed to index push: %w", err)
	}
	return nil
}

// Get returns the entry for one room, or ErrNotFound.
func (idx *RoomIndex) Get(room protocol.ChatID) (*RoomInfo, error) {
	query := `
		SELECT chat_id, file_name, pushes, last_id, first_seen, last_push
		FROM rooms WHERE chat_id = ?
	`

	info, err := scanRoom(idx.db.QueryRow(query, hex.EncodeToString(room[:])))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return info, nil
}

// List returns up to limit rooms, most recently active first.
func (idx *RoomIndex) List(limit int) ([]*RoomInfo, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT chat_id, file_name, pushes, last_id, first_seen, last_push
		FROM rooms
		ORDER BY last_push DESC
		LIMIT ?
	`

	rows, err := idx.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*RoomInfo
	for rows.Next() {
		info, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, info)
	}

	return rooms, rows.Err()
}

// Count returns the number of indexed rooms
func (idx *RoomIndex) Count() (int, error) {
	var count int
	if err := idx.db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rooms: %w", err)
	}
	return count, nil
}

// Close closes the database connection
func (idx *RoomIndex) Close() error {
	return idx.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*RoomInfo, error) {
	var (
		chatHex             string
		info                RoomInfo
		firstSeen, lastPush int64
	)

	if err := row.Scan(&chatHex, &info.FileName, &info.Pushes, &info.LastID, &firstSeen, &lastPush); err != nil {
		return nil, err
	}

	id, err := protocol.ParseChatID(chatHex)
	if err != nil {
		return nil, err
	}
	info.ChatID = id
	info.FirstSeen = time.UnixMilli(firstSeen)
	info.LastPush = time.UnixMilli(lastPush)

	return &info, nil
}
