package db

import (
	"database/sql"
	"encoding/hex"
	"errors"

	"chatserv/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/sha3"
)

var ErrNoRows = errors.New("no rows found")

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
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
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			passhash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(recipient, delivered)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// Digest is the fixed one-way digest applied to every client-supplied
// secret. Identical input always yields the identical digest, so stored
// credentials can be compared by plain equality.
func Digest(secret string) string {
	sum := sha3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Account methods

func (db *DB) CreateAccount(username, passhash string) error {
	_, err := db.conn.Exec(
		"INSERT INTO accounts (username, passhash) VALUES (?, ?)",
		username, Digest(passhash),
	)
	return err
}

func (db *DB) AccountExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Authenticate compares the digest of the supplied secret with the stored
// one. An unknown username and a wrong secret are indistinguishable.
func (db *DB) Authenticate(username, passhash string) (bool, error) {
	var stored string
	err := db.conn.QueryRow("SELECT passhash FROM accounts WHERE username = ?", username).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return stored == Digest(passhash), nil
}

// ListAccounts returns every username except the given one, sorted.
func (db *DB) ListAccounts(except string) ([]string, error) {
	rows, err := db.conn.Query("SELECT username FROM accounts WHERE username != ? ORDER BY username", except)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		usernames = append(usernames, u)
	}

	return usernames, rows.Err()
}

// DeleteAccount removes the account row and every message the account sent
// or received. Both deletes run in one transaction; there is no foreign-key
// cascade, the companion statement is explicit.
func (db *DB) DeleteAccount(username string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM accounts WHERE username = ?", username); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE sender = ? OR recipient = ?", username, username); err != nil {
		return err
	}

	return tx.Commit()
}

// Message methods

// SaveMessage inserts an undelivered message and returns its server-assigned
// id. Ids are monotonic and never reused, even after deletion.
func (db *DB) SaveMessage(sender, recipient, body string) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO messages (sender, recipient, body) VALUES (?, ?, ?)",
		sender, recipient, body,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Chat returns every message between the pair in creation order. message_id
// breaks ties within the same CURRENT_TIMESTAMP second.
func (db *DB) Chat(username, peer string) ([]models.Message, error) {
	query := `
		SELECT message_id, sender, recipient, body, delivered, created_at
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at ASC, message_id ASC
	`

	rows, err := db.conn.Query(query, username, peer, peer, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (db *DB) Message(id int64) (models.Message, error) {
	var m models.Message
	err := db.conn.QueryRow(
		"SELECT message_id, sender, recipient, body, delivered, created_at FROM messages WHERE message_id = ?",
		id,
	).Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Delivered, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNoRows
	}
	return m, err
}

func (db *DB) UndeliveredCount(username string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE recipient = ? AND delivered = 0",
		username,
	).Scan(&count)
	return count, err
}

// TakeUndelivered returns up to n of the most recent undelivered messages
// addressed to username and marks all of the user's undelivered messages
// delivered, including those not returned. Select and update share one
// transaction so a concurrent send cannot slip between them.
func (db *DB) TakeUndelivered(username string, n int) ([]models.Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT message_id, sender, recipient, body, delivered, created_at
		FROM messages
		WHERE recipient = ? AND delivered = 0
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?
	`, username, n)
	if err != nil {
		return nil, err
	}

	messages, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec("UPDATE messages SET delivered = 1 WHERE recipient = ? AND delivered = 0", username); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkDelivered flips the delivered flag for one message. If the row was
// deleted before the ping round-tripped the update affects zero rows; that
// is a deliberate no-op, not an error.
func (db *DB) MarkDelivered(id int64) error {
	_, err := db.conn.Exec("UPDATE messages SET delivered = 1 WHERE message_id = ?", id)
	return err
}

// DeleteMessage removes the row unconditionally. Deleting an absent id is
// an idempotent no-op.
func (db *DB) DeleteMessage(id int64) error {
	_, err := db.conn.Exec("DELETE FROM messages WHERE message_id = ?", id)
	return err
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Delivered, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
