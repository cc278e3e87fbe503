package store

import (
	"database/sql"
	"time"
)

// CreateSession inserts a session row if it does not exist yet.
func (db *DB) CreateSession(sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, last_active, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`,
		sessionID, now, now)
	return err
}

// TouchSession bumps the session's last-active timestamp.
func (db *DB) TouchSession(sessionID string) error {
	_, err := db.Exec(`UPDATE sessions SET last_active = ? WHERE session_id = ?`,
		time.Now().UnixMilli(), sessionID)
	return err
}

// SetSessionUser stores the authenticated user's profile on the session row.
func (db *DB) SetSessionUser(sessionID string, profile UserProfile) error {
	_, err := db.Exec(`
		UPDATE sessions SET user_name = ?, user_number = ?, user_avatar = ?, last_active = ?
		WHERE session_id = ?`,
		profile.Name, profile.Number, profile.Avatar, time.Now().UnixMilli(), sessionID)
	return err
}

// GetSession returns a session by id, or nil if absent.
func (db *DB) GetSession(sessionID string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT session_id, user_name, user_number, user_avatar, last_active, created_at
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&s.ID, &s.UserName, &s.UserNumber, &s.UserAvatar, &s.LastActive, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LatestSession returns the most-recently-active session younger than
// maxAge, or nil when no session qualifies for restoration.
func (db *DB) LatestSession(maxAge time.Duration) (*Session, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	var s Session
	err := db.QueryRow(`
		SELECT session_id, user_name, user_number, user_avatar, last_active, created_at
		FROM sessions
		WHERE last_active >= ?
		ORDER BY last_active DESC
		LIMIT 1`, cutoff).
		Scan(&s.ID, &s.UserName, &s.UserNumber, &s.UserAvatar, &s.LastActive, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes the session row; chats and messages scoped to it
// go with it via the foreign-key cascade.
func (db *DB) DeleteSession(sessionID string) error {
	_, err := db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}
