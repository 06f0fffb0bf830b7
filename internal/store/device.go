package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/device"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// SaveDevice inserts or replaces a device record
func (db *DB) SaveDevice(ctx context.Context, d *device.Device) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO devices (id, name, status, phone, session, pairing_method, last_seen, last_checked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			phone = excluded.phone,
			session = excluded.session,
			pairing_method = excluded.pairing_method,
			last_seen = excluded.last_seen,
			last_checked = excluded.last_checked,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, string(d.Status), d.Phone, d.Session, string(d.PairingMethod),
		d.LastSeen, d.LastChecked, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

const deviceColumns = `id, name, status, COALESCE(phone, ''), session, COALESCE(pairing_method, ''),
	last_seen, last_checked, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*device.Device, error) {
	d := &device.Device{}
	var status, method string
	var lastSeen, lastChecked sql.NullTime

	err := row.Scan(&d.ID, &d.Name, &status, &d.Phone, &d.Session, &method,
		&lastSeen, &lastChecked, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = device.Status(status)
	d.PairingMethod = transport.PairMethod(method)
	if lastSeen.Valid {
		d.LastSeen = &lastSeen.Time
	}
	if lastChecked.Valid {
		d.LastChecked = &lastChecked.Time
	}
	return d, nil
}

// GetDevice returns a device by ID, nil if it does not exist
func (db *DB) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	d, err := scanDevice(db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices ordered by creation time
func (db *DB) ListDevices(ctx context.Context) ([]*device.Device, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice removes a device record
func (db *DB) DeleteDevice(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}
