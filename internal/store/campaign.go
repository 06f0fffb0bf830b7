package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
)

// CreateCampaign inserts a campaign
func (db *DB) CreateCampaign(ctx context.Context, c *dispatch.Campaign) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO campaigns (id, title, niche, target_status, message, media_url, scheduled_date, scheduled_time,
			device_limit, min_delay_seconds, max_delay_seconds, status, status_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Niche, c.TargetStatus, c.Message, c.MediaURL, c.ScheduledDate, c.ScheduledTime,
		c.Limit, c.MinDelaySeconds, c.MaxDelaySeconds, string(c.Status), c.StatusMessage, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

const campaignColumns = `id, title, COALESCE(niche, ''), target_status, COALESCE(message, ''), COALESCE(media_url, ''),
	COALESCE(scheduled_date, ''), COALESCE(scheduled_time, ''), device_limit, min_delay_seconds, max_delay_seconds,
	status, COALESCE(status_message, ''), created_at, updated_at`

func scanCampaign(row scanner) (*dispatch.Campaign, error) {
	c := &dispatch.Campaign{}
	var status string
	err := row.Scan(&c.ID, &c.Title, &c.Niche, &c.TargetStatus, &c.Message, &c.MediaURL,
		&c.ScheduledDate, &c.ScheduledTime, &c.Limit, &c.MinDelaySeconds, &c.MaxDelaySeconds,
		&status, &c.StatusMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = dispatch.CampaignStatus(status)
	return c, nil
}

// GetCampaign returns a campaign by ID, nil if it does not exist
func (db *DB) GetCampaign(ctx context.Context, id string) (*dispatch.Campaign, error) {
	c, err := scanCampaign(db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns campaigns in any of the given statuses, all when
// none are given
func (db *DB) ListCampaigns(ctx context.Context, statuses ...dispatch.CampaignStatus) ([]*dispatch.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*dispatch.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateCampaignStatus moves a campaign to status if its current status is
// one of from
func (db *DB) UpdateCampaignStatus(ctx context.Context, id string, from []dispatch.CampaignStatus, to dispatch.CampaignStatus, message string) (bool, error) {
	args := []any{string(to), message, time.Now(), id}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, status_message = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update campaign status: %w", err)
	}
	return n > 0, nil
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
