package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
)

const sweepLimit = 500

// Sweeper periodically activates due SCHEDULED campaigns and re-runs the
// completion check for ACTIVE ones.
type Sweeper struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Campaigns    *CampaignService
	Completion   *CompletionChecker
	Schedule     string

	parser cron.Parser
	now    func() time.Time
}

func NewSweeper(campaigns repository.CampaignRepositoryInterface, svc *CampaignService, completion *CompletionChecker, schedule string) *Sweeper {
	return &Sweeper{
		CampaignRepo: campaigns,
		Campaigns:    svc,
		Completion:   completion,
		Schedule:     schedule,
		parser:       cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:          time.Now,
	}
}

// Start runs Sweep on the schedule until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("sweeper schedule %q: %w", s.Schedule, err)
	}
	c.Start()
	zerolog.Ctx(ctx).Info().Str("schedule", s.Schedule).Msg("sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	zerolog.Ctx(ctx).Info().Msg("sweeper stopped")
	return nil
}

// Sweep returns how many campaigns it activated and completed.
func (s *Sweeper) Sweep(ctx context.Context) (activated, completed int) {
	logger := zerolog.Ctx(ctx)

	due, err := s.CampaignRepo.ListDueScheduled(ctx, s.now().UTC(), sweepLimit)
	if err != nil {
		logger.Error().Err(err).Msg("list due campaigns failed")
	}
	for _, c := range due {
		if _, err := s.Campaigns.Activate(ctx, c.ID); err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID.String()).Msg("scheduled activation failed")
			continue
		}
		activated++
	}

	active, err := s.CampaignRepo.ListCampaignsByStatus(ctx, model.CampaignActive, sweepLimit)
	if err != nil {
		logger.Error().Err(err).Msg("list active campaigns failed")
	}
	for _, c := range active {
		if !c.Materialized() {
			continue
		}
		done, err := s.Completion.CheckCompletion(logging.ContextWithCampaignID(ctx, c.ID), c.ID)
		if err != nil {
			logger.Warn().Err(err).Str("campaign_id", c.ID.String()).Msg("completion sweep failed")
			continue
		}
		if done {
			completed++
		}
	}

	if activated > 0 || completed > 0 {
		logger.Info().Int("activated", activated).Int("completed", completed).Msg("sweep finished")
	}
	return activated, completed
}
