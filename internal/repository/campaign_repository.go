package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error)
	// UpdateCampaign writes the lifecycle fields if the stored version still
	// equals expectedVersion, and bumps the version.
	UpdateCampaign(ctx context.Context, c *model.Campaign, expectedVersion int64) error
	AdvanceCursor(ctx context.Context, id uuid.UUID, cursor int64) error
	MarkMaterialized(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error)
	GetCampaignStats(ctx context.Context, campaignID uuid.UUID) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, name, type, priority, channel, template_ref, template, status,
        scheduled_at, recipient_cursor, materialized_at,
        sent_count, delivered_count, failed_count, read_count, fallback_count,
        version, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Priority, &c.Channel, &c.TemplateRef, &c.Template, &c.Status,
		&c.ScheduledAt, &c.RecipientCursor, &c.MaterializedAt,
		&c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Failed, &c.Counters.Read, &c.Counters.Fallbacks,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.Channel == "" {
		c.Channel = model.ChannelRCS
	}
	if c.Priority == "" {
		c.Priority = model.PriorityMedium
	}
	if c.Type == "" {
		c.Type = model.CampaignPromotional
	}
	c.Version = 1
	c.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO campaigns (id, tenant_id, name, type, priority, channel, template_ref, template, status, scheduled_at, version, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `
	_, err := r.DB.ExecContext(ctx, query,
		c.ID, c.TenantID, c.Name, c.Type, c.Priority, c.Channel, c.TemplateRef, c.Template, c.Status, c.ScheduledAt, c.Version, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, nil
}

func (r *CampaignRepository) UpdateCampaign(ctx context.Context, c *model.Campaign, expectedVersion int64) error {
	query := `
        UPDATE campaigns
        SET status=$1, scheduled_at=$2, updated_at=$3, completed_at=$4, version=version+1
        WHERE id=$5 AND version=$6
    `
	res, err := r.DB.ExecContext(ctx, query, c.Status, c.ScheduledAt, c.UpdatedAt, c.CompletedAt, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update campaign %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetCampaign(ctx, c.ID); err != nil {
			return err
		}
		return appErrors.ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	return nil
}

// AdvanceCursor never moves the cursor backwards.
func (r *CampaignRepository) AdvanceCursor(ctx context.Context, id uuid.UUID, cursor int64) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET recipient_cursor=GREATEST(recipient_cursor, $1) WHERE id=$2`, cursor, id)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", id, err)
	}
	return nil
}

func (r *CampaignRepository) MarkMaterialized(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET materialized_at=COALESCE(materialized_at, $1) WHERE id=$2`, at, id)
	if err != nil {
		return fmt.Errorf("mark materialized %s: %w", id, err)
	}
	return nil
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 AND scheduled_at <= $2 ORDER BY scheduled_at LIMIT $3`,
		model.CampaignScheduled, now, limit)
}

func (r *CampaignRepository) ListCampaignsByStatus(ctx context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if channel != "" {
		where += fmt.Sprintf(" AND channel=$%d", argPos)
		args = append(args, channel)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argPos, argPos+1)
	campaigns, err := r.queryCampaigns(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// GetCampaignStats counts the campaign's messages per status.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := emptyStats()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

func emptyStats() map[string]int {
	stats := map[string]int{"total": 0}
	for _, s := range []model.MessageStatus{
		model.MessagePending, model.MessageQueued, model.MessageSent, model.MessageDelivered,
		model.MessageRead, model.MessageFailed, model.MessageFallbackSent, model.MessageDLQ,
	} {
		stats[string(s)] = 0
	}
	return stats
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
