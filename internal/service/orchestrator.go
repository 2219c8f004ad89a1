package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

type OrchestratorOptions struct {
	BatchSize        int
	MaxBatchesPerRun int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

// Orchestrator turns an ACTIVE campaign's recipient list into messages and
// dispatch jobs, one page at a time behind a durable cursor.
type Orchestrator struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	MessageRepo   repository.MessageRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	Queue         queue.Queue
	Renderer      Renderer
	Completion    *CompletionChecker
	Options       OrchestratorOptions

	now func() time.Time
}

func NewOrchestrator(
	campaigns repository.CampaignRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	q queue.Queue,
	renderer Renderer,
	completion *CompletionChecker,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.MaxBatchesPerRun <= 0 {
		opts.MaxBatchesPerRun = 50
	}
	if renderer == nil {
		renderer = TemplateRenderer{}
	}
	return &Orchestrator{
		CampaignRepo:  campaigns,
		MessageRepo:   messages,
		RecipientRepo: recipients,
		Queue:         q,
		Renderer:      renderer,
		Completion:    completion,
		Options:       opts,
		now:           time.Now,
	}
}

// Handle is the campaign_orchestrate job handler.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) Decision {
	var payload model.OrchestrateJob
	if err := job.Decode(&payload); err != nil {
		return deadLetter("malformed_job", nil, 0, err)
	}
	err := o.Run(ctx, payload.CampaignID)
	switch {
	case err == nil:
		return ack()
	case appErrors.IsNotFound(err):
		return deadLetter("unknown_campaign", nil, 0, err)
	default:
		return retryLater(Backoff(o.Options.BackoffBase, o.Options.BackoffMax, job.Attempt), err)
	}
}

// Run materializes up to MaxBatchesPerRun pages. It stops quietly when the
// campaign leaves ACTIVE and re-publishes itself when the budget runs out.
func (o *Orchestrator) Run(ctx context.Context, campaignID uuid.UUID) error {
	ctx = logging.ContextWithCampaignID(ctx, campaignID)
	logger := zerolog.Ctx(ctx)

	var campaign *model.Campaign
	for batch := 0; batch < o.Options.MaxBatchesPerRun; batch++ {
		var err error
		campaign, err = o.CampaignRepo.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if campaign.Status != model.CampaignActive {
			logger.Info().Str("status", string(campaign.Status)).Int("batch", batch).Msg("campaign not active, stopping orchestration")
			return nil
		}

		page, err := o.RecipientRepo.ListRecipientsPage(ctx, campaignID, campaign.RecipientCursor, o.Options.BatchSize)
		if err != nil {
			return fmt.Errorf("list recipients after %d: %w", campaign.RecipientCursor, err)
		}
		if len(page) == 0 {
			if err := o.CampaignRepo.MarkMaterialized(ctx, campaignID, o.now().UTC()); err != nil {
				return err
			}
			logger.Info().Int64("cursor", campaign.RecipientCursor).Msg("recipient list exhausted")
			if _, err := o.Completion.CheckCompletion(ctx, campaignID); err != nil {
				logger.Warn().Err(err).Msg("completion check failed")
			}
			return nil
		}

		emitted, err := o.emitBatch(ctx, campaign, page)
		if err != nil {
			return err
		}
		last := page[len(page)-1].Seq
		if err := o.CampaignRepo.AdvanceCursor(ctx, campaignID, last); err != nil {
			return err
		}
		logger.Debug().Int("recipients", len(page)).Int("emitted", emitted).Int64("cursor", last).Msg("batch materialized")
	}

	logger.Info().Int("batches", o.Options.MaxBatchesPerRun).Msg("batch budget spent, continuing in a new job")
	return o.Queue.Publish(ctx, model.TopicOrchestrate, model.OrchestrateJob{CampaignID: campaignID}, queue.PublishOptions{
		Priority: campaign.Priority.QueuePriority(),
	})
}

func (o *Orchestrator) emitBatch(ctx context.Context, campaign *model.Campaign, page []model.Recipient) (int, error) {
	logger := zerolog.Ctx(ctx)
	emitted := 0
	for _, rc := range page {
		content, err := o.Renderer.Render(campaign.Template, rc)
		if err != nil {
			logger.Warn().Err(err).Str("recipient", rc.Address).Msg("render failed, skipping recipient")
			continue
		}

		now := o.now().UTC()
		msg := model.NewMessage(*campaign, rc.Address, campaign.Channel, model.AttemptPrimary, content, now)
		stored, created, err := o.MessageRepo.InsertMessageIfAbsent(ctx, &msg)
		if err != nil {
			return emitted, err
		}
		// an existing PENDING row is from a run that died before publishing
		if stored.Status != model.MessagePending {
			continue
		}
		if !created {
			logger.Debug().Str("message_id", stored.ID.String()).Msg("re-emitting pending message")
		}
		if err := publishDispatch(ctx, o.Queue, stored, 0); err != nil {
			return emitted, err
		}
		if err := markQueued(ctx, o.MessageRepo, stored.ID, now); err != nil {
			return emitted, err
		}
		emitted++
	}
	return emitted, nil
}

func publishDispatch(ctx context.Context, q queue.Queue, m *model.Message, retry int) error {
	err := q.Publish(ctx, model.TopicDispatch, model.DispatchJob{
		MessageID:  m.ID,
		RetryCount: retry,
		Priority:   m.Priority,
	}, queue.PublishOptions{Priority: m.Priority.QueuePriority()})
	if err != nil {
		return fmt.Errorf("publish dispatch for %s: %w", m.ID, err)
	}
	return nil
}
