package db

import (
	"database/sql"
	"time"

	"obscomm/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

// Timestamps keep nanosecond precision so same-second messages still order
// correctly; Seq breaks the remaining ties.
const timeLayout = time.RFC3339Nano

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			profile_image TEXT NOT NULL DEFAULT '',
			connect_token TEXT NOT NULL,
			last_online TEXT NOT NULL DEFAULT '',
			last_offline TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			sent_at TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			read_flag INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, delivered)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, sent_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

// UpsertUser creates or updates a directory entry. A zero ID inserts a new
// row; a non-empty token is re-hashed and replaces the stored one.
func (db *DB) UpsertUser(u *models.User, token string) (int64, error) {
	var hashed string
	if token != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return 0, err
		}
		hashed = string(h)
	}

	if u.ID == 0 {
		if hashed == "" {
			return 0, errors.New("connect token required for new user")
		}
		now := time.Now().UTC().Format(timeLayout)
		res, err := db.conn.Exec(
			`INSERT INTO users (username, first_name, last_name, profile_image, connect_token, last_online, last_offline)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.Username, u.FirstName, u.LastName, u.ProfileImage, hashed, now, now,
		)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	if hashed == "" {
		_, err := db.conn.Exec(
			`UPDATE users SET username = ?, first_name = ?, last_name = ?, profile_image = ? WHERE id = ?`,
			u.Username, u.FirstName, u.LastName, u.ProfileImage, u.ID,
		)
		return u.ID, err
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err := db.conn.Exec(
		`INSERT INTO users (id, username, first_name, last_name, profile_image, connect_token, last_online, last_offline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			profile_image = excluded.profile_image,
			connect_token = excluded.connect_token`,
		u.ID, u.Username, u.FirstName, u.LastName, u.ProfileImage, hashed, now, now,
	)
	return u.ID, err
}

// Authenticate verifies a connect token against the stored bcrypt hash.
// An unknown user is not an error, just a failed authentication.
func (db *DB) Authenticate(userID int64, token string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT connect_token FROM users WHERE id = ?", userID).Scan(&hashed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashed), []byte(token))
	return err == nil, nil
}

func (db *DB) UserExists(userID int64) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", userID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetUser(userID int64) (*models.User, error) {
	var u models.User
	var onlineStr, offlineStr string
	err := db.conn.QueryRow(
		`SELECT id, username, first_name, last_name, profile_image, last_online, last_offline
		 FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.ProfileImage, &onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	u.LastOnline, _ = time.Parse(timeLayout, onlineStr)
	u.LastOffline, _ = time.Parse(timeLayout, offlineStr)
	return &u, nil
}

func (db *DB) ListUsers() ([]models.User, error) {
	rows, err := db.conn.Query(
		`SELECT id, username, first_name, last_name, profile_image, last_online, last_offline
		 FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var onlineStr, offlineStr string
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.ProfileImage, &onlineStr, &offlineStr); err != nil {
			return nil, err
		}
		u.LastOnline, _ = time.Parse(timeLayout, onlineStr)
		u.LastOffline, _ = time.Parse(timeLayout, offlineStr)
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *DB) UpdateLastOnline(userID int64, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_online = ? WHERE id = ?",
		t.Format(timeLayout), userID,
	)
	return err
}

func (db *DB) UpdateLastOffline(userID int64, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_offline = ? WHERE id = ?",
		t.Format(timeLayout), userID,
	)
	return err
}

// Message methods

// SaveMessage persists a message. The insert is idempotent on the
// client-generated id: a retry of an already stored message changes
// nothing and returns the original seq and timestamp.
func (db *DB) SaveMessage(m *models.Message) (seq int64, sentAt time.Time, err error) {
	_, err = db.conn.Exec(
		`INSERT OR IGNORE INTO messages (id, sender_id, receiver_id, content, type, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.Type, m.SentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, time.Time{}, err
	}

	var sentStr string
	err = db.conn.QueryRow("SELECT seq, sent_at FROM messages WHERE id = ?", m.ID).Scan(&seq, &sentStr)
	if err != nil {
		return 0, time.Time{}, err
	}

	sentAt, err = time.Parse(timeLayout, sentStr)
	return seq, sentAt, err
}

func (db *DB) GetMessages(userID, partnerID int64, offset, limit int) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, receiver_id, content, type, sent_at, seq, read_flag
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY sent_at ASC, seq ASC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.Query(query, userID, partnerID, partnerID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Undelivered returns messages queued for a recipient while it was offline,
// oldest first.
func (db *DB) Undelivered(receiverID int64) ([]models.Message, error) {
	rows, err := db.conn.Query(
		`SELECT id, sender_id, receiver_id, content, type, sent_at, seq, read_flag
		 FROM messages
		 WHERE receiver_id = ? AND delivered = 0
		 ORDER BY sent_at ASC, seq ASC`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (db *DB) MarkDelivered(messageIDs []string) error {
	for _, id := range messageIDs {
		if _, err := db.conn.Exec("UPDATE messages SET delivered = 1 WHERE id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

// MarkReadFrom flips the read flag on every message from counterpart to
// reader. The flag never reverts.
func (db *DB) MarkReadFrom(counterpartID, readerID int64) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET read_flag = 1 WHERE sender_id = ? AND receiver_id = ?",
		counterpartID, readerID,
	)
	return err
}

// UnreadCounts returns per-sender counts of unread messages for a recipient.
func (db *DB) UnreadCounts(receiverID int64) (map[int64]int, error) {
	rows, err := db.conn.Query(
		`SELECT sender_id, COUNT(*)
		 FROM messages
		 WHERE receiver_id = ? AND read_flag = 0
		 GROUP BY sender_id`, receiverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var sender int64
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = count
	}

	return counts, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var sentStr string
		var read int
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Type, &sentStr, &m.Seq, &read); err != nil {
			return nil, err
		}

		sentAt, err := time.Parse(timeLayout, sentStr)
		if err != nil {
			return nil, err
		}
		m.SentAt = sentAt
		m.Read = read != 0

		messages = append(messages, m)
	}

	return messages, rows.Err()
}
