package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates chat metadata keyed on (id, session_id).
// Counters are never written here; empty incoming fields do not clobber
// stored non-empty values.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, session_id, name, display_name, number, about, pic, last_message, last_time, updated_at, is_group)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, session_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			number = CASE WHEN excluded.number != '' THEN excluded.number ELSE chats.number END,
			about = CASE WHEN excluded.about != '' THEN excluded.about ELSE chats.about END,
			pic = CASE WHEN excluded.pic != '' THEN excluded.pic ELSE chats.pic END,
			is_group = excluded.is_group,
			updated_at = excluded.updated_at`,
		c.ID, c.SessionID, c.Name, c.DisplayName, c.Number, c.About, c.Pic,
		c.LastMessage, c.LastTime, now, c.IsGroup)
	return err
}

// BumpChatCounters records one new message on a chat: message_count always
// increments, unread_count only for received messages, and the preview and
// recency fields advance. Called exactly once per newly inserted message.
func (db *DB) BumpChatCounters(chatID, sessionID string, fromMe bool, preview string, ts int64) error {
	unread := 1
	if fromMe {
		unread = 0
	}
	_, err := db.Exec(`
		UPDATE chats SET
			message_count = message_count + 1,
			unread_count = unread_count + ?,
			last_message = ?,
			last_time = MAX(last_time, ?),
			updated_at = ?
		WHERE id = ? AND session_id = ?`,
		unread, truncate(preview, 100), ts, time.Now().UnixMilli(), chatID, sessionID)
	return err
}

// ResetUnread clears the unread counter, e.g. when a subscriber opens the chat.
func (db *DB) ResetUnread(chatID, sessionID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ? AND session_id = ?`,
		chatID, sessionID)
	return err
}

// ListChats returns the session's chats sorted by last activity descending,
// bounded to limit rows.
func (db *DB) ListChats(sessionID string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, session_id, name, display_name, number, about, pic, last_message,
			message_count, unread_count, last_time, updated_at, is_group
		FROM chats
		WHERE session_id = ?
		ORDER BY last_time DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := scanChat(rows, &c); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat row, or nil if absent.
func (db *DB) GetChat(chatID, sessionID string) (*Chat, error) {
	var c Chat
	err := scanChat(db.QueryRow(`
		SELECT id, session_id, name, display_name, number, about, pic, last_message,
			message_count, unread_count, last_time, updated_at, is_group
		FROM chats
		WHERE id = ? AND session_id = ?`, chatID, sessionID), &c)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChatCount returns the number of chats scoped to a session.
func (db *DB) ChatCount(sessionID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(r rowScanner, c *Chat) error {
	return r.Scan(&c.ID, &c.SessionID, &c.Name, &c.DisplayName, &c.Number, &c.About,
		&c.Pic, &c.LastMessage, &c.MessageCount, &c.UnreadCount, &c.LastTime,
		&c.UpdatedAt, &c.IsGroup)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
