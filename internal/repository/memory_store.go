package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

type uniqueKey struct {
	campaignID uuid.UUID
	recipient  string
	attempt    string
}

// MemoryStore implements every repository interface in process memory. It
// backs STORE_DRIVER=memory and the pipeline tests.
type MemoryStore struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*model.Campaign
	messages   map[uuid.UUID]*model.Message
	byKey      map[uniqueKey]uuid.UUID
	byExternal map[string]uuid.UUID
	recipients map[uuid.UUID][]model.Recipient
	nextSeq    map[uuid.UUID]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:  make(map[uuid.UUID]*model.Campaign),
		messages:   make(map[uuid.UUID]*model.Message),
		byKey:      make(map[uniqueKey]uuid.UUID),
		byExternal: make(map[string]uuid.UUID),
		recipients: make(map[uuid.UUID][]model.Recipient),
		nextSeq:    make(map[uuid.UUID]int64),
	}
}

// ====================== Campaigns ======================

func (s *MemoryStore) Create(_ context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCampaign(_ context.Context, id uuid.UUID) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateCampaign(_ context.Context, c *model.Campaign, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	if stored.Version != expectedVersion {
		return appErrors.ErrVersionConflict
	}
	stored.Status = c.Status
	stored.ScheduledAt = c.ScheduledAt
	stored.UpdatedAt = c.UpdatedAt
	stored.CompletedAt = c.CompletedAt
	stored.Version = expectedVersion + 1
	c.Version = stored.Version
	return nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, id uuid.UUID, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if cursor > c.RecipientCursor {
		c.RecipientCursor = cursor
	}
	return nil
}

func (s *MemoryStore) MarkMaterialized(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if c.MaterializedAt == nil {
		c.MaterializedAt = &at
	}
	return nil
}

func (s *MemoryStore) filterCampaigns(keep func(*model.Campaign) bool) []*model.Campaign {
	out := []*model.Campaign{}
	for _, c := range s.campaigns {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func limitCampaigns(cs []*model.Campaign, limit int) []*model.Campaign {
	if limit > 0 && len(cs) > limit {
		return cs[:limit]
	}
	return cs
}

func (s *MemoryStore) ListDueScheduled(_ context.Context, now time.Time, limit int) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.filterCampaigns(func(c *model.Campaign) bool {
		return c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	})
	return limitCampaigns(due, limit), nil
}

func (s *MemoryStore) ListCampaignsByStatus(_ context.Context, status model.CampaignStatus, limit int) ([]*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return limitCampaigns(s.filterCampaigns(func(c *model.Campaign) bool { return c.Status == status }), limit), nil
}

func (s *MemoryStore) ListCampaigns(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.filterCampaigns(func(c *model.Campaign) bool {
		return (channel == "" || string(c.Channel) == channel) && (status == "" || string(c.Status) == status)
	})
	// newest first, like the SQL listing
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		return filtered[i].ID.String() < filtered[j].ID.String()
	})

	total := len(filtered)
	if offset > total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (s *MemoryStore) GetCampaignStats(_ context.Context, campaignID uuid.UUID) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := emptyStats()
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			stats[string(m.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

// ====================== Messages ======================

func (s *MemoryStore) GetMessage(_ context.Context, id uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMessageByExternalID(_ context.Context, externalID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, appErrors.ErrMessageNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

func (s *MemoryStore) InsertMessageIfAbsent(_ context.Context, m *model.Message) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := uniqueKey{m.CampaignID, m.Recipient, m.AttemptKey}
	if id, ok := s.byKey[key]; ok {
		cp := *s.messages[id]
		return &cp, false, nil
	}
	stored := *m
	s.messages[m.ID] = &stored
	s.byKey[key] = m.ID
	cp := stored
	return &cp, true, nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, m *model.Message, expectedVersion int64, delta model.CounterDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[m.ID]
	if !ok {
		return appErrors.ErrMessageNotFound
	}
	if stored.Version != expectedVersion {
		return appErrors.ErrVersionConflict
	}

	next := *m
	next.Version = expectedVersion + 1
	s.messages[m.ID] = &next
	if next.ExternalID != nil {
		s.byExternal[*next.ExternalID] = next.ID
	}
	if c, ok := s.campaigns[next.CampaignID]; ok && !delta.IsZero() {
		c.Counters = c.Counters.Apply(delta)
	}
	m.Version = next.Version
	return nil
}

func (s *MemoryStore) CountNonTerminal(_ context.Context, campaignID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.messages {
		if m.CampaignID == campaignID && !m.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

// Messages returns every message of a campaign ordered by creation.
func (s *MemoryStore) Messages(campaignID uuid.UUID) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Message{}
	for _, m := range s.messages {
		if m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Recipient < out[j].Recipient
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ====================== Recipients ======================

func (s *MemoryStore) ListRecipientsPage(_ context.Context, campaignID uuid.UUID, cursor int64, pageSize int) ([]model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page := []model.Recipient{}
	for _, rc := range s.recipients[campaignID] {
		if rc.Seq > cursor {
			page = append(page, rc)
			if len(page) == pageSize {
				break
			}
		}
	}
	return page, nil
}

func (s *MemoryStore) GetRecipient(_ context.Context, campaignID uuid.UUID, seq int64) (*model.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rc := range s.recipients[campaignID] {
		if rc.Seq == seq {
			cp := rc
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) AddRecipients(_ context.Context, campaignID uuid.UUID, recipients []model.Recipient) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.campaigns[campaignID]; ok && c.Status != model.CampaignDraft {
		return 0, appErrors.NewInvalidTransition("campaign", string(c.Status), "recipients added")
	}
	seen := make(map[string]bool, len(s.recipients[campaignID]))
	for _, rc := range s.recipients[campaignID] {
		seen[rc.Address] = true
	}
	added := 0
	for _, rc := range recipients {
		if seen[rc.Address] {
			continue
		}
		seen[rc.Address] = true
		s.nextSeq[campaignID]++
		rc.Seq = s.nextSeq[campaignID]
		rc.CampaignID = campaignID
		s.recipients[campaignID] = append(s.recipients[campaignID], rc)
		added++
	}
	return added, nil
}

var (
	_ CampaignRepositoryInterface  = (*MemoryStore)(nil)
	_ MessageRepositoryInterface   = (*MemoryStore)(nil)
	_ RecipientRepositoryInterface = (*MemoryStore)(nil)
)
