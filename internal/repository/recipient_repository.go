package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

// RecipientRepositoryInterface defines methods used by service
type RecipientRepositoryInterface interface {
	// ListRecipientsPage returns up to pageSize recipients with seq > cursor, in seq order.
	ListRecipientsPage(ctx context.Context, campaignID uuid.UUID, cursor int64, pageSize int) ([]model.Recipient, error)
	GetRecipient(ctx context.Context, campaignID uuid.UUID, seq int64) (*model.Recipient, error)
	AddRecipients(ctx context.Context, campaignID uuid.UUID, recipients []model.Recipient) (int, error)
}

// RecipientRepository is the concrete implementation
type RecipientRepository struct {
	DB *sql.DB
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var rc model.Recipient
	var vars []byte
	if err := row.Scan(&rc.CampaignID, &rc.Seq, &rc.Address, &rc.FirstName, &vars); err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &rc.Variables); err != nil {
			return nil, fmt.Errorf("decode recipient variables: %w", err)
		}
	}
	return &rc, nil
}

func (r *RecipientRepository) ListRecipientsPage(ctx context.Context, campaignID uuid.UUID, cursor int64, pageSize int) ([]model.Recipient, error) {
	query := `
        SELECT campaign_id, seq, address, first_name, variables
        FROM campaign_recipients
        WHERE campaign_id = $1 AND seq > $2
        ORDER BY seq
        LIMIT $3
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, cursor, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rc)
	}
	return recipients, rows.Err()
}

func (r *RecipientRepository) GetRecipient(ctx context.Context, campaignID uuid.UUID, seq int64) (*model.Recipient, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT campaign_id, seq, address, first_name, variables FROM campaign_recipients WHERE campaign_id=$1 AND seq=$2`,
		campaignID, seq)
	rc, err := scanRecipient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return rc, nil
}

// AddRecipients appends recipients, skipping addresses already on the list.
// The campaign row stays locked until commit so a concurrent schedule cannot
// freeze the audience halfway through.
func (r *RecipientRepository) AddRecipients(ctx context.Context, campaignID uuid.UUID, recipients []model.Recipient) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var status model.CampaignStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1 FOR UPDATE`, campaignID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.NewCampaignNotFound(campaignID)
		}
		return 0, fmt.Errorf("lock campaign %s: %w", campaignID, err)
	}
	if status != model.CampaignDraft {
		return 0, appErrors.NewInvalidTransition("campaign", string(status), "recipients added")
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO campaign_recipients (campaign_id, address, first_name, variables)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (campaign_id, address) DO NOTHING
    `)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, rc := range recipients {
		vars, err := json.Marshal(rc.Variables)
		if err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx, campaignID, rc.Address, rc.FirstName, string(vars))
		if err != nil {
			return 0, fmt.Errorf("insert recipient %s: %w", rc.Address, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
