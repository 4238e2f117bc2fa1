package store

import "time"

// InsertMessage writes one immutable message row. Rows are unique on
// (instance_id, msg_id); a redelivered message that slipped past the
// in-memory dedup cache is silently ignored here. Returns whether a row
// was actually written.
func (db *DB) InsertMessage(m *Message) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT OR IGNORE INTO messages
			(instance_id, chat_id, msg_id, direction, sender_name, sender_phone, body, message_type,
			 media_url, media_file_name, media_mime_type, view_once, raw_metadata, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.InstanceID, m.ChatID, m.MsgID, m.Direction, m.SenderName, m.SenderPhone, m.Body, m.MessageType,
		m.MediaURL, m.MediaFileName, m.MediaMimeType, m.ViewOnce, m.RawMetadata, m.Timestamp, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns messages for a chat using keyset pagination by timestamp.
func (db *DB) ListMessages(instanceID, chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, instance_id, chat_id, msg_id, direction, sender_name, sender_phone, body, message_type,
		       media_url, media_file_name, media_mime_type, view_once, raw_metadata, timestamp
		FROM messages
		WHERE instance_id = ? AND chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, instanceID, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.ChatID, &m.MsgID, &m.Direction, &m.SenderName, &m.SenderPhone,
			&m.Body, &m.MessageType, &m.MediaURL, &m.MediaFileName, &m.MediaMimeType, &m.ViewOnce, &m.RawMetadata, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of stored messages for an instance.
func (db *DB) MessageCount(instanceID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE instance_id = ?`, instanceID).Scan(&n)
	return n, err
}
