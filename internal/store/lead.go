package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
)

// SaveLeads inserts leads, updating existing ones matched by phone
func (db *DB) SaveLeads(ctx context.Context, leads []*dispatch.Lead) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO leads (id, name, phone, niche, target_status, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			name = excluded.name,
			niche = excluded.niche,
			target_status = excluded.target_status,
			device_id = excluded.device_id`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, l := range leads {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.TargetStatus == "" {
			l.TargetStatus = dispatch.DefaultTargetStatus
		}
		if l.CreatedAt.IsZero() {
			l.CreatedAt = now
		}
		if _, err := stmt.ExecContext(ctx, l.ID, l.Name, l.Phone, l.Niche, l.TargetStatus, l.DeviceID, l.CreatedAt); err != nil {
			return 0, fmt.Errorf("failed to save lead %s: %w", l.Phone, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit leads: %w", err)
	}
	return len(leads), nil
}

// FindLeads returns the leads matching the filter ordered by creation time
func (db *DB) FindLeads(ctx context.Context, filter dispatch.LeadFilter) ([]*dispatch.Lead, error) {
	query := `SELECT id, COALESCE(name, ''), phone, COALESCE(niche, ''), target_status, COALESCE(device_id, ''), created_at
		FROM leads WHERE 1 = 1`
	var args []any

	if filter.Niche != "" {
		query += ` AND niche LIKE ?`
		args = append(args, "%"+filter.Niche+"%")
	}

	status := filter.TargetStatus
	if status == "" {
		status = dispatch.DefaultTargetStatus
	}
	if status != dispatch.TargetStatusAll {
		query += ` AND target_status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find leads: %w", err)
	}
	defer rows.Close()

	var leads []*dispatch.Lead
	for rows.Next() {
		l := &dispatch.Lead{}
		if err := rows.Scan(&l.ID, &l.Name, &l.Phone, &l.Niche, &l.TargetStatus, &l.DeviceID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}
