package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/dispatch"
	"github.com/aqilrvsb/go-whatsapp-web-multidevice/internal/transport"
)

// CreateSequence inserts a sequence and its steps
func (db *DB) CreateSequence(ctx context.Context, s *dispatch.Sequence) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sequences (id, name, niche, target_status, status, device_limit, min_delay_seconds, max_delay_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Niche, s.TargetStatus, string(s.Status), s.Limit,
		s.MinDelaySeconds, s.MaxDelaySeconds, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sequence: %w", err)
	}

	for i := range s.Steps {
		st := &s.Steps[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		st.SequenceID = s.ID
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_steps (id, sequence_id, day, trigger_label, delay_hours, message_type, content, media_url, caption)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, s.ID, st.Day, st.Trigger, st.DelayHours, string(st.MessageType), st.Content, st.MediaURL, st.Caption,
		)
		if err != nil {
			return fmt.Errorf("failed to create step day %d: %w", st.Day, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sequence: %w", err)
	}
	return nil
}

const sequenceColumns = `id, name, COALESCE(niche, ''), target_status, status, device_limit,
	min_delay_seconds, max_delay_seconds, created_at, updated_at`

func scanSequence(row scanner) (*dispatch.Sequence, error) {
	s := &dispatch.Sequence{}
	var status string
	err := row.Scan(&s.ID, &s.Name, &s.Niche, &s.TargetStatus, &status, &s.Limit,
		&s.MinDelaySeconds, &s.MaxDelaySeconds, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = dispatch.SequenceStatus(status)
	return s, nil
}

// GetSequence returns a sequence with its steps sorted by day, nil if it
// does not exist
func (db *DB) GetSequence(ctx context.Context, id string) (*dispatch.Sequence, error) {
	s, err := scanSequence(db.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}

	if err := db.loadSteps(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) loadSteps(ctx context.Context, s *dispatch.Sequence) error {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sequence_id, day, COALESCE(trigger_label, ''), delay_hours, message_type,
		       COALESCE(content, ''), COALESCE(media_url, ''), COALESCE(caption, '')
		FROM sequence_steps WHERE sequence_id = ? ORDER BY day`, s.ID)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	s.Steps = nil
	for rows.Next() {
		var st dispatch.Step
		var msgType string
		if err := rows.Scan(&st.ID, &st.SequenceID, &st.Day, &st.Trigger, &st.DelayHours, &msgType,
			&st.Content, &st.MediaURL, &st.Caption); err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		st.MessageType = transport.MessageType(msgType)
		s.Steps = append(s.Steps, st)
	}
	return rows.Err()
}

// ListSequences returns sequences with the given status, all when empty
func (db *DB) ListSequences(ctx context.Context, status dispatch.SequenceStatus) ([]*dispatch.Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sequences: %w", err)
	}

	var sequences []*dispatch.Sequence
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sequence: %w", err)
		}
		sequences = append(sequences, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Steps are loaded after the cursor is closed: in-memory databases
	// have a single connection.
	for _, s := range sequences {
		if err := db.loadSteps(ctx, s); err != nil {
			return nil, err
		}
	}
	return sequences, nil
}

// EnrolledLeads returns the lead ids enrolled in a sequence
func (db *DB) EnrolledLeads(ctx context.Context, sequenceID string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT lead_id FROM sequence_contacts WHERE sequence_id = ?`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrolled leads: %w", err)
	}
	defer rows.Close()

	enrolled := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lead id: %w", err)
		}
		enrolled[id] = true
	}
	return enrolled, rows.Err()
}

// EnrolContacts records sequence contacts; already enrolled leads are kept
// as they are
func (db *DB) EnrolContacts(ctx context.Context, contacts []*dispatch.SequenceContact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range contacts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sequence_contacts (sequence_id, lead_id, phone, current_day, status, device_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(sequence_id, lead_id) DO NOTHING`,
			c.SequenceID, c.LeadID, c.Phone, c.CurrentDay, string(c.Status), c.DeviceID, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to enrol lead %s: %w", c.LeadID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enrolment: %w", err)
	}
	return nil
}

// GetSequenceContact returns the progress of a lead, nil if not enrolled
func (db *DB) GetSequenceContact(ctx context.Context, sequenceID, leadID string) (*dispatch.SequenceContact, error) {
	c := &dispatch.SequenceContact{}
	var status string
	var completedAt sql.NullTime

	err := db.QueryRowContext(ctx, `
		SELECT sequence_id, lead_id, phone, current_day, status, COALESCE(device_id, ''), created_at, updated_at, completed_at
		FROM sequence_contacts WHERE sequence_id = ? AND lead_id = ?`, sequenceID, leadID,
	).Scan(&c.SequenceID, &c.LeadID, &c.Phone, &c.CurrentDay, &status, &c.DeviceID,
		&c.CreatedAt, &c.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence contact: %w", err)
	}

	c.Status = dispatch.ContactStatus(status)
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// AdvanceContact moves an active contact off fromDay
func (db *DB) AdvanceContact(ctx context.Context, sequenceID, leadID string, fromDay, toDay int, completed bool) (bool, error) {
	now := time.Now()
	status := dispatch.ContactActive
	var completedAt *time.Time
	if completed {
		status = dispatch.ContactCompleted
		completedAt = &now
		toDay = fromDay
	}

	res, err := db.ExecContext(ctx, `
		UPDATE sequence_contacts SET current_day = ?, status = ?, completed_at = ?, updated_at = ?
		WHERE sequence_id = ? AND lead_id = ? AND current_day = ? AND status = ?`,
		toDay, string(status), completedAt, now, sequenceID, leadID, fromDay, string(dispatch.ContactActive),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to advance contact: %w", err)
	}
	return n > 0, nil
}
