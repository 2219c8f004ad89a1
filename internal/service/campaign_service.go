// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

var (
	ErrEmptyName        = errors.New("campaign name is required")
	ErrEmptyTemplate    = errors.New("template cannot be empty")
	ErrNoRecipients     = errors.New("no recipients given")
	ErrRecipientMissing = errors.New("recipient not found")
)

type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Queue         queue.Queue
	Renderer      Renderer

	now func() time.Time
}

func NewCampaignService(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	q queue.Queue,
) *CampaignService {
	return &CampaignService{
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		Queue:         q,
		Renderer:      TemplateRenderer{},
		now:           time.Now,
	}
}

type CampaignDetails struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	Name        string                 `json:"name"`
	Type        model.CampaignType     `json:"type"`
	Priority    model.Priority         `json:"priority"`
	Channel     model.Channel          `json:"channel"`
	Status      model.CampaignStatus   `json:"status"`
	TemplateRef string                 `json:"template_ref,omitempty"`
	Template    model.Content          `json:"template"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   *time.Time             `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Counters    model.CampaignCounters `json:"counters"`
	Stats       map[string]int         `json:"stats"`
}

// CampaignInput is what a caller supplies to create a DRAFT campaign.
type CampaignInput struct {
	TenantID    uuid.UUID          `json:"tenant_id"`
	Name        string             `json:"name"`
	Type        model.CampaignType `json:"type"`
	Priority    model.Priority     `json:"priority"`
	Channel     model.Channel      `json:"channel"`
	TemplateRef string             `json:"template_ref"`
	Template    model.Content      `json:"template"`
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, ErrEmptyName
	}
	if strings.TrimSpace(in.Template.Text) == "" && in.Template.RichCard == nil {
		return nil, ErrEmptyTemplate
	}
	c := &model.Campaign{
		TenantID:    in.TenantID,
		Name:        in.Name,
		Type:        in.Type,
		Priority:    in.Priority,
		Channel:     in.Channel,
		TemplateRef: in.TemplateRef,
		Template:    in.Template,
		Status:      model.CampaignDraft,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	zerolog.Ctx(logging.ContextWithCampaignID(ctx, c.ID)).Info().Str("name", c.Name).Msg("campaign created")
	return c, nil
}

// AddRecipients appends to the audience of a DRAFT campaign. Once scheduled
// the audience is frozen. Addresses already on the list are skipped.
func (s *CampaignService) AddRecipients(ctx context.Context, campaignID uuid.UUID, recipients []model.Recipient) (int, error) {
	if len(recipients) == 0 {
		return 0, ErrNoRecipients
	}
	campaign, err := s.CampaignRepo.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status != model.CampaignDraft {
		return 0, appErrors.NewInvalidTransition("campaign", string(campaign.Status), "recipients added")
	}

	valid := make([]model.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		rc.Address = strings.TrimSpace(rc.Address)
		if rc.Address == "" {
			continue
		}
		valid = append(valid, rc)
	}
	if len(valid) == 0 {
		return 0, ErrNoRecipients
	}
	return s.RecipientRepo.AddRecipients(ctx, campaignID, valid)
}

// transition applies fn to the stored campaign and writes it back under the
// version it was read at.
func (s *CampaignService) transition(ctx context.Context, id uuid.UUID, fn func(c model.Campaign, now time.Time) (model.Campaign, error)) (*model.Campaign, error) {
	ctx = logging.ContextWithCampaignID(ctx, id)
	for i := 0; i < maxConflictRetries; i++ {
		current, err := s.CampaignRepo.GetCampaign(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(*current, s.now().UTC())
		if err != nil {
			return nil, err
		}
		err = s.CampaignRepo.UpdateCampaign(ctx, &next, current.Version)
		if errors.Is(err, appErrors.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		zerolog.Ctx(ctx).Info().Str("from", string(current.Status)).Str("to", string(next.Status)).Msg("campaign transitioned")
		return &next, nil
	}
	return nil, fmt.Errorf("campaign %s: %w", id, appErrors.ErrVersionConflict)
}

func (s *CampaignService) Schedule(ctx context.Context, id uuid.UUID, at time.Time) (*model.Campaign, error) {
	return s.transition(ctx, id, func(c model.Campaign, now time.Time) (model.Campaign, error) {
		return c.Schedule(at, now)
	})
}

// Activate moves a SCHEDULED campaign to ACTIVE and starts orchestration.
func (s *CampaignService) Activate(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.transition(ctx, id, model.Campaign.Activate)
	if err != nil {
		return nil, err
	}
	return c, s.startOrchestration(ctx, c)
}

// Pause stops further batches. Jobs already queued still dispatch.
func (s *CampaignService) Pause(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return s.transition(ctx, id, model.Campaign.Pause)
}

func (s *CampaignService) Resume(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	c, err := s.transition(ctx, id, model.Campaign.Resume)
	if err != nil {
		return nil, err
	}
	return c, s.startOrchestration(ctx, c)
}

func (s *CampaignService) Cancel(ctx context.Context, id uuid.UUID) (*model.Campaign, error) {
	return s.transition(ctx, id, model.Campaign.Cancel)
}

func (s *CampaignService) startOrchestration(ctx context.Context, c *model.Campaign) error {
	err := s.Queue.Publish(ctx, model.TopicOrchestrate, model.OrchestrateJob{CampaignID: c.ID}, queue.PublishOptions{
		Priority: c.Priority.QueuePriority(),
	})
	if err != nil {
		return fmt.Errorf("enqueue orchestration for %s: %w", c.ID, err)
	}
	return nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, channel, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID uuid.UUID) (*CampaignDetails, error) {
	ctx = logging.ContextWithCampaignID(ctx, campaignID)

	campaign, err := s.CampaignRepo.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to load message stats")
		return nil, err
	}

	return &CampaignDetails{
		ID:          campaign.ID,
		TenantID:    campaign.TenantID,
		Name:        campaign.Name,
		Type:        campaign.Type,
		Priority:    campaign.Priority,
		Channel:     campaign.Channel,
		Status:      campaign.Status,
		TemplateRef: campaign.TemplateRef,
		Template:    campaign.Template,
		ScheduledAt: campaign.ScheduledAt,
		CreatedAt:   campaign.CreatedAt,
		UpdatedAt:   campaign.UpdatedAt,
		CompletedAt: campaign.CompletedAt,
		Counters:    campaign.Counters,
		Stats:       stats,
	}, nil
}

// RenderPreview personalizes the campaign template, or overrideText when
// given, for one recipient.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID uuid.UUID, recipientSeq int64, overrideText *string) (model.Content, error) {
	campaign, err := s.CampaignRepo.GetCampaign(ctx, campaignID)
	if err != nil {
		return model.Content{}, err
	}
	recipient, err := s.RecipientRepo.GetRecipient(ctx, campaignID, recipientSeq)
	if err != nil {
		return model.Content{}, err
	}
	if recipient == nil {
		return model.Content{}, ErrRecipientMissing
	}

	template := campaign.Template
	if overrideText != nil && strings.TrimSpace(*overrideText) != "" {
		template.Text = *overrideText
	}
	if strings.TrimSpace(template.Text) == "" && template.RichCard == nil {
		return model.Content{}, ErrEmptyTemplate
	}
	return s.Renderer.Render(template, *recipient)
}
