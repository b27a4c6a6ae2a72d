package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID          string     `json:"id"`
	Author      string     `json:"author"`
	AuthorEmail string     `json:"author_email"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type BlockedEmail struct {
	RoomID    string    `json:"room_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID      string    `json:"id"`
	RoomID  string    `json:"room_id"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

type Snapshot struct {
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		author TEXT NOT NULL DEFAULT '',
		author_email TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		closed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_closed_at ON rooms(closed_at);

	CREATE TABLE IF NOT EXISTS blocked_emails (
		room_id TEXT NOT NULL,
		email TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, email),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		sent_at DATETIME NOT NULL,
		UNIQUE (room_id, id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, seq);

	CREATE TABLE IF NOT EXISTS document_snapshots (
		room_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// CreateRoom records a room and its author. Re-creating a room with the same
// id reopens it and keeps its block list.
func (d *Database) CreateRoom(id, author, authorEmail string) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, author, author_email)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			author = excluded.author,
			author_email = excluded.author_email,
			closed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
	`, id, author, authorEmail)
	return err
}

func (d *Database) ensureRoom(id string) error {
	_, err := d.db.Exec("INSERT OR IGNORE INTO rooms (id) VALUES (?)", id)
	return err
}

func scanRoom(scan func(dest ...any) error) (Room, error) {
	var room Room
	var closedAt sql.NullTime
	err := scan(&room.ID, &room.Author, &room.AuthorEmail, &room.CreatedAt, &room.UpdatedAt, &closedAt)
	if closedAt.Valid {
		room.ClosedAt = &closedAt.Time
	}
	return room, err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, author, author_email, created_at, updated_at, closed_at FROM rooms WHERE id = ?",
		id,
	)

	room, err := scanRoom(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, author, author_email, created_at, updated_at, closed_at FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows.Scan)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) UpdateRoomTimestamp(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// CloseRoom marks a room as ended. Closing an already closed room keeps the first timestamp.
func (d *Database) CloseRoom(id string) error {
	_, err := d.db.Exec(
		"UPDATE rooms SET closed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND closed_at IS NULL",
		id,
	)
	return err
}

// DeleteRoom removes a room together with everything stored for it
func (d *Database) DeleteRoom(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := deleteRooms(tx, "id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteClosedRoomsBefore drops rooms closed before the cutoff and returns how many went
func (d *Database) DeleteClosedRoomsBefore(cutoff time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int64
	where := "closed_at IS NOT NULL AND closed_at < datetime(?, 'unixepoch')"
	if err := tx.QueryRow("SELECT COUNT(*) FROM rooms WHERE "+where, cutoff.Unix()).Scan(&count); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	if err := deleteRooms(tx, where, cutoff.Unix()); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// Child rows are removed explicitly; sqlite only cascades with foreign_keys on.
func deleteRooms(tx *sql.Tx, where string, args ...any) error {
	selectIDs := "SELECT id FROM rooms WHERE " + where
	for _, table := range []string{"blocked_emails", "messages", "document_snapshots"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE room_id IN ("+selectIDs+")", args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	_, err := tx.Exec("DELETE FROM rooms WHERE "+where, args...)
	return err
}

// Block list operations

// BlockEmail adds an email to a room's block list and reports whether it was already there
func (d *Database) BlockEmail(roomID, email string) (bool, error) {
	if err := d.ensureRoom(roomID); err != nil {
		return false, err
	}

	result, err := d.db.Exec(
		"INSERT OR IGNORE INTO blocked_emails (room_id, email) VALUES (?, ?)",
		roomID, email,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (d *Database) IsBlocked(roomID, email string) (bool, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM blocked_emails WHERE room_id = ? AND email = ?",
		roomID, email,
	).Scan(&count)
	return count > 0, err
}

func (d *Database) ListBlocked(roomID string) ([]BlockedEmail, error) {
	rows, err := d.db.Query(
		"SELECT room_id, email, created_at FROM blocked_emails WHERE room_id = ? ORDER BY created_at ASC, email ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocked []BlockedEmail
	for rows.Next() {
		var b BlockedEmail
		if err := rows.Scan(&b.RoomID, &b.Email, &b.CreatedAt); err != nil {
			return nil, err
		}
		blocked = append(blocked, b)
	}
	return blocked, rows.Err()
}

// Message log operations

// SaveMessage appends to a room's log. A repeated id is ignored.
func (d *Database) SaveMessage(m Message) error {
	if err := d.ensureRoom(m.RoomID); err != nil {
		return err
	}

	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO messages (id, room_id, sender, content, sent_at) VALUES (?, ?, ?, ?, ?)",
		m.ID, m.RoomID, m.Sender, m.Content, m.SentAt.UTC(),
	)
	if err != nil {
		return err
	}

	return d.UpdateRoomTimestamp(m.RoomID)
}

// ListMessages returns a room's log in the order it was written
func (d *Database) ListMessages(roomID string, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, sender, content, sent_at
		FROM messages
		WHERE room_id = ?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Content, &m.SentAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (d *Database) GetMessageCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// RoomsWithMessagesOver lists rooms whose log is longer than limit
func (d *Database) RoomsWithMessagesOver(limit int) ([]string, error) {
	rows, err := d.db.Query(
		"SELECT room_id FROM messages GROUP BY room_id HAVING COUNT(*) > ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneMessages keeps only the most recent keepCount messages of a room
func (d *Database) PruneMessages(roomID string, keepCount int) (int64, error) {
	result, err := d.db.Exec(`
		DELETE FROM messages
		WHERE room_id = ? AND seq NOT IN (
			SELECT seq FROM messages
			WHERE room_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Snapshot operations

func (d *Database) SaveSnapshot(s Snapshot) error {
	if err := d.ensureRoom(s.RoomID); err != nil {
		return err
	}

	_, err := d.db.Exec(`
		INSERT INTO document_snapshots (room_id, content, language, updated_by, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			language = excluded.language,
			updated_by = excluded.updated_by,
			updated_at = CURRENT_TIMESTAMP
	`, s.RoomID, s.Content, s.Language, s.UpdatedBy)
	if err != nil {
		return err
	}

	return d.UpdateRoomTimestamp(s.RoomID)
}

func (d *Database) GetSnapshot(roomID string) (*Snapshot, error) {
	var s Snapshot
	err := d.db.QueryRow(
		"SELECT room_id, content, language, updated_by, updated_at FROM document_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&s.RoomID, &s.Content, &s.Language, &s.UpdatedBy, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"room_count", "SELECT COUNT(*) FROM rooms"},
		{"open_room_count", "SELECT COUNT(*) FROM rooms WHERE closed_at IS NULL"},
		{"message_count", "SELECT COUNT(*) FROM messages"},
		{"blocked_count", "SELECT COUNT(*) FROM blocked_emails"},
	}
	for _, c := range counts {
		var n int
		if err := d.db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	return stats, nil
}
