package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

type MessageRepositoryInterface interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
	// InsertMessageIfAbsent stores m unless (campaign, recipient, attempt)
	// already exists. It returns the stored message and whether it was new.
	InsertMessageIfAbsent(ctx context.Context, m *model.Message) (*model.Message, bool, error)
	// UpdateMessage writes m if the stored version still equals
	// expectedVersion and applies delta to the owning campaign's counters in
	// the same transaction.
	UpdateMessage(ctx context.Context, m *model.Message, expectedVersion int64, delta model.CounterDelta) error
	CountNonTerminal(ctx context.Context, campaignID uuid.UUID) (int, error)
}

type MessageRepository struct {
	DB *sql.DB
}

const messageColumns = `id, campaign_id, tenant_id, recipient, channel, attempt_key, status, content, priority,
        provider, external_id, retry_count, failure_reason, last_error, original_message_id, version,
        created_at, queued_at, sent_at, delivered_at, read_at, failed_at, updated_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var original uuid.NullUUID
	err := row.Scan(
		&m.ID, &m.CampaignID, &m.TenantID, &m.Recipient, &m.Channel, &m.AttemptKey, &m.Status, &m.Content, &m.Priority,
		&m.Provider, &m.ExternalID, &m.RetryCount, &m.FailureReason, &m.LastError, &original, &m.Version,
		&m.CreatedAt, &m.QueuedAt, &m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.FailedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if original.Valid {
		id := original.UUID
		m.OriginalMessageID = &id
	}
	return &m, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func (r *MessageRepository) getOne(ctx context.Context, where string, arg any) (*model.Message, error) {
	m, err := scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	m, err := r.getOne(ctx, `id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

func (r *MessageRepository) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	m, err := r.getOne(ctx, `external_id=$1`, externalID)
	if err != nil {
		return nil, fmt.Errorf("get message by external id %s: %w", externalID, err)
	}
	return m, nil
}

// Idempotent insert
func (r *MessageRepository) InsertMessageIfAbsent(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	query := `
        INSERT INTO messages (id, campaign_id, tenant_id, recipient, channel, attempt_key, status, content, priority,
                              retry_count, original_message_id, version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (campaign_id, recipient, attempt_key) DO NOTHING
        RETURNING id
    `
	var id uuid.UUID
	err := r.DB.QueryRowContext(ctx, query,
		m.ID, m.CampaignID, m.TenantID, m.Recipient, m.Channel, m.AttemptKey, m.Status, m.Content, m.Priority,
		m.RetryCount, nullUUID(m.OriginalMessageID), m.Version, m.CreatedAt,
	).Scan(&id)
	if err == nil {
		stored := *m
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	existing, err := scanMessage(r.DB.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE campaign_id=$1 AND recipient=$2 AND attempt_key=$3`,
		m.CampaignID, m.Recipient, m.AttemptKey))
	if err != nil {
		return nil, false, fmt.Errorf("load existing message: %w", err)
	}
	return existing, false, nil
}

func (r *MessageRepository) UpdateMessage(ctx context.Context, m *model.Message, expectedVersion int64, delta model.CounterDelta) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
        UPDATE messages
        SET status=$1, provider=$2, external_id=$3, retry_count=$4, failure_reason=$5, last_error=$6,
            queued_at=$7, sent_at=$8, delivered_at=$9, read_at=$10, failed_at=$11, updated_at=$12,
            version=version+1
        WHERE id=$13 AND version=$14
    `
	res, err := tx.ExecContext(ctx, query,
		m.Status, m.Provider, m.ExternalID, m.RetryCount, m.FailureReason, m.LastError,
		m.QueuedAt, m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt, m.UpdatedAt,
		m.ID, expectedVersion,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("update message %s: duplicate external id: %w", m.ID, err)
		}
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("update message %s: %w", m.ID, appErrors.ErrMessageNotFound)
		}
		return appErrors.ErrVersionConflict
	}

	if !delta.IsZero() {
		_, err := tx.ExecContext(ctx, `
            UPDATE campaigns
            SET sent_count=sent_count+$1, delivered_count=delivered_count+$2, failed_count=failed_count+$3,
                read_count=read_count+$4, fallback_count=fallback_count+$5
            WHERE id=$6
        `, delta.Sent, delta.Delivered, delta.Failed, delta.Read, delta.Fallbacks, m.CampaignID)
		if err != nil {
			return fmt.Errorf("roll up counters for %s: %w", m.CampaignID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	m.Version = expectedVersion + 1
	return nil
}

func (r *MessageRepository) CountNonTerminal(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE campaign_id=$1 AND status NOT IN ($2, $3, $4, $5)`,
		campaignID, model.MessageDelivered, model.MessageRead, model.MessageDLQ, model.MessageFallbackSent,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal messages: %w", err)
	}
	return n, nil
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
