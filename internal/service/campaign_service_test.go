package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

// Mock Campaign Repository for pagination. Methods the test does not need
// fall through to the nil embedded interface.
type MockCampaignPaginationRepo struct {
	repository.CampaignRepositoryInterface
	all []*model.Campaign
}

func newPaginationRepo(n int) *MockCampaignPaginationRepo {
	repo := &MockCampaignPaginationRepo{}
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := n; i >= 1; i-- {
		repo.all = append(repo.all, &model.Campaign{
			ID:        uuid.New(),
			Name:      "C" + string(rune('0'+i)),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return repo
}

func (m *MockCampaignPaginationRepo) ListCampaigns(_ context.Context, offset, limit int, channel, status string) ([]*model.Campaign, int, error) {
	start := offset
	end := offset + limit

	if start >= len(m.all) {
		return []*model.Campaign{}, len(m.all), nil
	}
	if end > len(m.all) {
		end = len(m.all)
	}

	return m.all[start:end], len(m.all), nil
}

func TestPagination(t *testing.T) {
	svc := &service.CampaignService{
		CampaignRepo: newPaginationRepo(5),
	}
	ctx := context.Background()

	pageSize := 2
	page1, pagination1, err := svc.ListCampaigns(ctx, 1, pageSize, "", "")
	if err != nil {
		t.Fatal(err)
	}
	page2, _, _ := svc.ListCampaigns(ctx, 2, pageSize, "", "")
	page3, pagination3, _ := svc.ListCampaigns(ctx, 3, pageSize, "", "")

	if pagination1["total_count"] != 5 {
		t.Errorf("expected total_count 5, got %d", pagination1["total_count"])
	}
	if pagination1["total_pages"] != 3 {
		t.Errorf("expected 3 pages, got %d", pagination1["total_pages"])
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1), len(page2))
	}
	if len(page3) != 1 || pagination3["page"] != 3 {
		t.Errorf("expected a short last page, got %d items", len(page3))
	}

	// newest first
	if !page1[0].CreatedAt.After(page1[1].CreatedAt) || !page1[1].CreatedAt.After(page2[0].CreatedAt) {
		t.Errorf("expected descending creation order across pages")
	}
}

func TestPaginationClampsPageSize(t *testing.T) {
	svc := &service.CampaignService{CampaignRepo: newPaginationRepo(3)}

	_, p, _ := svc.ListCampaigns(context.Background(), 0, 0, "", "")
	if p["page"] != 1 || p["page_size"] != 20 {
		t.Errorf("expected defaults page=1 page_size=20, got %v", p)
	}
	_, p, _ = svc.ListCampaigns(context.Background(), 1, 500, "", "")
	if p["page_size"] != 100 {
		t.Errorf("expected page_size capped at 100, got %d", p["page_size"])
	}
}

func newService() (*service.CampaignService, *repository.MemoryStore, *queue.InMemoryQueue) {
	store := repository.NewMemoryStore()
	q := queue.NewInMemoryQueue()
	return service.NewCampaignService(store, store, q), store, q
}

func draftCampaign(t *testing.T, svc *service.CampaignService) *model.Campaign {
	t.Helper()
	c, err := svc.CreateCampaign(context.Background(), service.CampaignInput{
		TenantID: uuid.New(),
		Name:     "Launch",
		Template: model.Content{Text: "Hi {first_name}, your code is {code}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCampaignLifecycle(t *testing.T) {
	svc, _, q := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)

	if c.Status != model.CampaignDraft || c.Channel != model.ChannelRCS || c.Priority != model.PriorityMedium {
		t.Fatalf("unexpected defaults %s/%s/%s", c.Status, c.Channel, c.Priority)
	}

	if _, err := svc.Activate(ctx, c.ID); !appErrors.IsInvalidTransition(err) {
		t.Fatalf("activating a draft should fail, got %v", err)
	}
	if _, err := svc.Schedule(ctx, c.ID, time.Now().Add(-time.Minute)); !errors.Is(err, appErrors.ErrScheduleNotInFuture) {
		t.Fatalf("scheduling in the past should fail, got %v", err)
	}

	scheduled, err := svc.Schedule(ctx, c.ID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if scheduled.ScheduledAt == nil || scheduled.Version != 2 {
		t.Errorf("expected scheduled_at set and version bumped, got %+v", scheduled)
	}

	if _, err := svc.Activate(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	job, ok := q.TryReceive(model.TopicOrchestrate)
	if !ok {
		t.Fatal("activation should enqueue orchestration")
	}
	var payload model.OrchestrateJob
	if err := job.Decode(&payload); err != nil || payload.CampaignID != c.ID {
		t.Errorf("unexpected orchestration job %+v %v", payload, err)
	}

	if _, err := svc.Pause(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Pause(ctx, c.ID); !appErrors.IsInvalidTransition(err) {
		t.Errorf("pausing twice should fail, got %v", err)
	}
	if _, err := svc.Resume(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if q.Ready(model.TopicOrchestrate) != 1 {
		t.Errorf("resume should enqueue orchestration")
	}

	cancelled, err := svc.Cancel(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.CampaignCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	var invalid *appErrors.InvalidTransitionError
	if _, err := svc.Resume(ctx, c.ID); !errors.As(err, &invalid) || invalid.From != string(model.CampaignCancelled) {
		t.Errorf("expected transition error from cancelled, got %v", err)
	}
}

func TestLifecycleOnMissingCampaign(t *testing.T) {
	svc, _, _ := newService()
	if _, err := svc.Cancel(context.Background(), uuid.New()); !appErrors.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()

	if _, err := svc.CreateCampaign(ctx, service.CampaignInput{Template: model.Content{Text: "x"}}); !errors.Is(err, service.ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
	if _, err := svc.CreateCampaign(ctx, service.CampaignInput{Name: "x"}); !errors.Is(err, service.ErrEmptyTemplate) {
		t.Errorf("expected ErrEmptyTemplate, got %v", err)
	}
}

func TestAddRecipientsSkipsDuplicates(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)

	n, err := svc.AddRecipients(ctx, c.ID, []model.Recipient{
		{Address: "+254700000001"},
		{Address: " +254700000002 "},
		{Address: ""},
		{Address: "+254700000001"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 added, got %d", n)
	}
	page, _ := store.ListRecipientsPage(ctx, c.ID, 0, 10)
	if len(page) != 2 || page[1].Address != "+254700000002" || page[1].Seq != 2 {
		t.Errorf("unexpected recipients %+v", page)
	}

	if _, err := svc.AddRecipients(ctx, c.ID, nil); !errors.Is(err, service.ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}
}

func TestRenderPreview(t *testing.T) {
	svc, _, _ := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)
	_, _ = svc.AddRecipients(ctx, c.ID, []model.Recipient{
		{Address: "+254700000001", FirstName: "Alice", Variables: map[string]string{"code": "SPRING10"}},
	})

	got, err := svc.RenderPreview(ctx, c.ID, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Hi Alice, your code is SPRING10" {
		t.Errorf("unexpected preview %q", got.Text)
	}

	override := "Reply STOP, {phone}"
	got, _ = svc.RenderPreview(ctx, c.ID, 1, &override)
	if got.Text != "Reply STOP, +254700000001" {
		t.Errorf("unexpected override preview %q", got.Text)
	}

	if _, err := svc.RenderPreview(ctx, c.ID, 42, nil); !errors.Is(err, service.ErrRecipientMissing) {
		t.Errorf("expected ErrRecipientMissing, got %v", err)
	}
}

func TestCampaignDetailsWithStats(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)

	m := model.NewMessage(*c, "+254700000001", model.ChannelRCS, model.AttemptPrimary, c.Template, time.Now())
	if _, _, err := store.InsertMessageIfAbsent(ctx, &m); err != nil {
		t.Fatal(err)
	}

	details, err := svc.GetCampaignDetailsWithStats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if details.Name != "Launch" || details.Stats["total"] != 1 || details.Stats["pending"] != 1 || details.Stats["sent"] != 0 {
		t.Errorf("unexpected details %+v", details)
	}
}

func TestSweeperActivatesDueCampaigns(t *testing.T) {
	svc, store, q := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)
	if _, err := svc.Schedule(ctx, c.ID, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}

	sweeper := service.NewSweeper(store, svc, service.NewCompletionChecker(store, store), "@every 1s")
	if activated, _ := sweeper.Sweep(ctx); activated != 0 {
		t.Fatalf("campaign is not due yet, activated %d", activated)
	}

	time.Sleep(30 * time.Millisecond)
	if activated, _ := sweeper.Sweep(ctx); activated != 1 {
		t.Fatalf("expected 1 activation, got %d", activated)
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != model.CampaignActive || q.Ready(model.TopicOrchestrate) != 1 {
		t.Errorf("expected active campaign with orchestration queued, got %s", got.Status)
	}
}

func TestSweeperCompletesFinishedCampaigns(t *testing.T) {
	svc, store, _ := newService()
	ctx := context.Background()
	c := draftCampaign(t, svc)
	_, _ = svc.Schedule(ctx, c.ID, time.Now().Add(time.Hour))
	_, _ = svc.Activate(ctx, c.ID)

	m := model.NewMessage(*c, "+254700000001", model.ChannelRCS, model.AttemptPrimary, c.Template, time.Now())
	_, _, _ = store.InsertMessageIfAbsent(ctx, &m)
	_ = store.MarkMaterialized(ctx, c.ID, time.Now())

	sweeper := service.NewSweeper(store, svc, service.NewCompletionChecker(store, store), "@every 1s")
	if _, completed := sweeper.Sweep(ctx); completed != 0 {
		t.Fatalf("pending message should block completion")
	}

	m.Status = model.MessageDelivered
	if err := store.UpdateMessage(ctx, &m, m.Version, model.CounterDelta{Delivered: 1}); err != nil {
		t.Fatal(err)
	}
	if _, completed := sweeper.Sweep(ctx); completed != 1 {
		t.Fatalf("expected the sweep to complete the campaign")
	}
	got, _ := store.GetCampaign(ctx, c.ID)
	if got.Status != model.CampaignCompleted || got.Counters.Delivered != 1 {
		t.Errorf("unexpected campaign %s %+v", got.Status, got.Counters)
	}
}

func TestSweeperStartRejectsBadSchedule(t *testing.T) {
	svc, store, _ := newService()
	sweeper := service.NewSweeper(store, svc, service.NewCompletionChecker(store, store), "every now and then")
	if err := sweeper.Start(context.Background()); err == nil {
		t.Error("expected a schedule parse error")
	}
}
