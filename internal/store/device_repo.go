package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volteec/volteec-server/internal/model"
)

// DeviceRepo persists push registrations. Register and Unregister are both
// idempotent; running either twice with identical inputs yields the same
// terminal state.
type DeviceRepo struct {
	db *DB
	mu sync.Mutex
}

// NewDeviceRepo creates a DeviceRepo on the given database.
func NewDeviceRepo(db *DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// Register inserts or updates a registration. The logical key is
// (token_hash, ups_id, environment, server_id, installation_id); NULL
// server/installation ids compare equal to NULL. Returns true when a new row
// was created, false when an existing one was updated.
func (r *DeviceRepo) Register(d *model.Device) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Beginx()
	if err != nil {
		return false, fmt.Errorf("begin register: %w", err)
	}
	defer tx.Rollback()

	lookup := r.db.Rebind(`
		SELECT id FROM devices
		WHERE token_hash = ? AND ups_id = ? AND environment = ?
		  AND COALESCE(server_id, '') = ? AND COALESCE(installation_id, '') = ?`)
	var existingID string
	err = tx.QueryRow(lookup,
		d.TokenHash, d.UPSID, d.Environment,
		derefOrEmpty(d.ServerID), derefOrEmpty(d.InstallationID),
	).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		d.ID = uuid.NewString()
		d.CreatedAtNs = time.Now().UnixNano()
		insert := r.db.Rebind(`
			INSERT INTO devices (id, ups_id, ups_alias, device_token, token_hash,
			                     installation_id, server_id, ups_hidden, environment, created_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if _, err := tx.Exec(insert,
			d.ID, d.UPSID, d.UPSAlias, d.DeviceToken, d.TokenHash,
			d.InstallationID, d.ServerID, d.UPSHidden, d.Environment, d.CreatedAtNs,
		); err != nil {
			return false, fmt.Errorf("insert device: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit register: %w", err)
		}
		return true, nil

	case err != nil:
		return false, fmt.Errorf("lookup device: %w", err)
	}

	d.ID = existingID
	update := r.db.Rebind(`
		UPDATE devices SET ups_alias = ?, device_token = ?, ups_hidden = ?
		WHERE id = ?`)
	if _, err := tx.Exec(update, d.UPSAlias, d.DeviceToken, d.UPSHidden, d.ID); err != nil {
		return false, fmt.Errorf("update device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit register: %w", err)
	}
	return false, nil
}

// Unregister removes every registration matching the token hash, UPS and
// environment. Absent rows are not an error.
func (r *DeviceRepo) Unregister(tokenHash, upsID string, env model.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	del := r.db.Rebind(`DELETE FROM devices WHERE token_hash = ? AND ups_id = ? AND environment = ?`)
	if _, err := r.db.Exec(del, tokenHash, upsID, env); err != nil {
		return fmt.Errorf("unregister device: %w", err)
	}
	return nil
}

// Count returns the number of registrations.
func (r *DeviceRepo) Count() (int, error) {
	var n int
	if err := r.db.Get(&n, "SELECT COUNT(*) FROM devices"); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return n, nil
}

// List returns all registrations, newest first.
func (r *DeviceRepo) List() ([]model.Device, error) {
	var out []model.Device
	if err := r.db.Select(&out, "SELECT * FROM devices ORDER BY created_at_ns DESC"); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
