package hookgate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SessionStoreFile is the database file name inside the login store directory.
const SessionStoreFile = "session.db"

// SessionStore persists the gateway's Matrix session state: the device keys
// seen at login and the sync token the sync loop resumes from.
type SessionStore struct {
	db *sql.DB
}

// DeviceRecord is one row of the devicekeys table.
type DeviceRecord struct {
	UserID    string
	DeviceID  string
	CreatedAt time.Time
}

// SyncTokenRecord is one row of the synctokens table.
type SyncTokenRecord struct {
	UserID    string
	Token     string
	UpdatedAt time.Time
}

// OpenSessionStore opens (creating if needed) the session database under dir.
func OpenSessionStore(dir string) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// WAL plus a busy timeout keeps the single-writer pattern safe when the
	// sync loop and webhook handlers touch the store concurrently.
	dbPath := filepath.Join(dir, SessionStoreFile)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SessionStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	return store, nil
}

func (s *SessionStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS synctokens (
		user_id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS devicekeys (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);
	CREATE TABLE IF NOT EXISTS filterids (
		user_id TEXT PRIMARY KEY,
		filter_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`

	_, err := s.db.Exec(schema)
	return err
}

// SyncToken returns the stored sync token for userID, or "" when none exists.
func (s *SessionStore) SyncToken(userID string) (string, error) {
	var token string
	err := s.db.QueryRow("SELECT token FROM synctokens WHERE user_id = ?", userID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync token: %w", err)
	}
	return token, nil
}

// SaveSyncToken upserts the sync token for userID.
func (s *SessionStore) SaveSyncToken(userID, token string) error {
	_, err := s.db.Exec(`
		INSERT INTO synctokens (user_id, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		userID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save sync token: %w", err)
	}
	return nil
}

// FilterID returns the stored sync filter ID for userID, or "" when none
// exists.
func (s *SessionStore) FilterID(userID string) (string, error) {
	var filterID string
	err := s.db.QueryRow("SELECT filter_id FROM filterids WHERE user_id = ?", userID).Scan(&filterID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read filter ID: %w", err)
	}
	return filterID, nil
}

// SaveFilterID upserts the sync filter ID for userID.
func (s *SessionStore) SaveFilterID(userID, filterID string) error {
	_, err := s.db.Exec(`
		INSERT INTO filterids (user_id, filter_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET filter_id = excluded.filter_id, updated_at = excluded.updated_at`,
		userID, filterID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save filter ID: %w", err)
	}
	return nil
}

// RecordDevice remembers a device the account has logged in with.
func (s *SessionStore) RecordDevice(userID, deviceID string) error {
	_, err := s.db.Exec(`
		INSERT INTO devicekeys (user_id, device_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, device_id) DO NOTHING`,
		userID, deviceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record device: %w", err)
	}
	return nil
}

// Devices lists all recorded devices, newest first.
func (s *SessionStore) Devices() ([]DeviceRecord, error) {
	rows, err := s.db.Query("SELECT user_id, device_id, created_at FROM devicekeys ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SyncTokens lists all stored sync tokens.
func (s *SessionStore) SyncTokens() ([]SyncTokenRecord, error) {
	rows, err := s.db.Query("SELECT user_id, token, updated_at FROM synctokens ORDER BY user_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sync tokens: %w", err)
	}
	defer rows.Close()

	var tokens []SyncTokenRecord
	for rows.Next() {
		var t SyncTokenRecord
		if err := rows.Scan(&t.UserID, &t.Token, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Close releases the underlying database handle.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
