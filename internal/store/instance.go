package store

import (
	"database/sql"
	"time"
)

// UpsertInstanceState writes a state/identity snapshot for an instance.
// Callers treat this as best-effort: a failed write is logged by the
// caller and never rolls back the in-memory transition that produced it.
func (db *DB) UpsertInstanceState(in *Instance) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO instances (instance_id, state, qr_code, phone_number, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			state = excluded.state,
			qr_code = excluded.qr_code,
			phone_number = excluded.phone_number,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at`,
		in.InstanceID, in.State, in.QRCode, in.PhoneNumber, in.DisplayName, in.AvatarURL, now)
	return err
}

// SetInstanceWebhookURL sets the per-instance callback URL override.
func (db *DB) SetInstanceWebhookURL(instanceID, url string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO instances (instance_id, webhook_url, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			updated_at = excluded.updated_at`,
		instanceID, url, now)
	return err
}

// WebhookURL returns the per-instance callback URL, or empty when none
// is configured or the lookup fails. Implements webhook.URLSource.
func (db *DB) WebhookURL(instanceID string) string {
	in, err := db.GetInstance(instanceID)
	if err != nil || in == nil {
		return ""
	}
	return in.WebhookURL
}

// GetInstance returns the persisted snapshot for an instance, or nil.
func (db *DB) GetInstance(instanceID string) (*Instance, error) {
	var in Instance
	err := db.QueryRow(`
		SELECT instance_id, state, qr_code, phone_number, display_name, avatar_url, webhook_url
		FROM instances WHERE instance_id = ?`, instanceID).
		Scan(&in.InstanceID, &in.State, &in.QRCode, &in.PhoneNumber, &in.DisplayName, &in.AvatarURL, &in.WebhookURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInstances returns all persisted instance snapshots.
func (db *DB) ListInstances() ([]Instance, error) {
	rows, err := db.Query(`
		SELECT instance_id, state, qr_code, phone_number, display_name, avatar_url, webhook_url
		FROM instances ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		var in Instance
		if err := rows.Scan(&in.InstanceID, &in.State, &in.QRCode, &in.PhoneNumber, &in.DisplayName, &in.AvatarURL, &in.WebhookURL); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// DeleteInstance removes the persisted snapshot for an instance.
func (db *DB) DeleteInstance(instanceID string) error {
	_, err := db.Exec(`DELETE FROM instances WHERE instance_id = ?`, instanceID)
	return err
}
