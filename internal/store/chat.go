package store

import (
	"database/sql"
	"time"
)

// UpsertChatRollup creates the rollup row on a chat's first message and
// updates it on every subsequent one. The unread counter increments only
// when incrementUnread is set (inbound messages); it never decrements
// here — MarkChatRead is the only reset path. An empty name never
// overwrites a previously-known one.
func (db *DB) UpsertChatRollup(c *Chat, incrementUnread bool) error {
	now := time.Now().UnixMilli()
	unread := 0
	if incrementUnread {
		unread = 1
	}
	_, err := db.Exec(`
		INSERT INTO chats (instance_id, chat_id, name, is_group, last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, chat_id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), chats.name),
			is_group = excluded.is_group,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = chats.unread_count + ?,
			updated_at = excluded.updated_at`,
		c.InstanceID, c.ChatID, c.Name, c.IsGroup, c.LastMessagePreview, c.LastMessageAt, unread, now,
		unread)
	return err
}

// MarkChatRead resets the unread counter for a chat.
func (db *DB) MarkChatRead(instanceID, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET unread_count = 0, updated_at = ?
		WHERE instance_id = ? AND chat_id = ?`, now, instanceID, chatID)
	return err
}

// SetChatArchived sets the archived flag for a chat.
func (db *DB) SetChatArchived(instanceID, chatID string, archived bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET archived = ?, updated_at = ?
		WHERE instance_id = ? AND chat_id = ?`, archived, now, instanceID, chatID)
	return err
}

// SetChatPinned sets the pinned flag for a chat.
func (db *DB) SetChatPinned(instanceID, chatID string, pinned bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET pinned = ?, updated_at = ?
		WHERE instance_id = ? AND chat_id = ?`, pinned, now, instanceID, chatID)
	return err
}

// ListChats returns an instance's chats sorted by last message timestamp
// descending, pinned chats first.
func (db *DB) ListChats(instanceID string, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT instance_id, chat_id, name, is_group, last_message_preview, last_message_at, unread_count, archived, pinned
		FROM chats
		WHERE instance_id = ?
		ORDER BY pinned DESC, last_message_at DESC
		LIMIT ? OFFSET ?`, instanceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.InstanceID, &c.ChatID, &c.Name, &c.IsGroup, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.Pinned); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat rollup, or nil if absent.
func (db *DB) GetChat(instanceID, chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT instance_id, chat_id, name, is_group, last_message_preview, last_message_at, unread_count, archived, pinned
		FROM chats
		WHERE instance_id = ? AND chat_id = ?`, instanceID, chatID).
		Scan(&c.InstanceID, &c.ChatID, &c.Name, &c.IsGroup, &c.LastMessagePreview,
			&c.LastMessageAt, &c.UnreadCount, &c.Archived, &c.Pinned)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
