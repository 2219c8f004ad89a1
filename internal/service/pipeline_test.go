package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/rcs-campaign-pipeline/internal/errors"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/idempotency"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/provider"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/queue"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/ratelimit"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/repository"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/service"
)

var topics = []string{model.TopicOrchestrate, model.TopicDispatch, model.TopicFallback, model.TopicWebhook}

type harness struct {
	t       *testing.T
	store   *repository.MemoryStore
	q       *queue.InMemoryQueue
	client  *provider.MockClient
	ledger  *idempotency.MemoryLedger
	svc     *service.CampaignService
	orch    *service.Orchestrator
	disp    *service.Dispatcher
	fb      *service.FallbackHandler
	rec     *service.Reconciler
	workers map[string]*service.Worker
}

type harnessOptions struct {
	// campaigns wraps the store for campaign access when set.
	campaigns func(*repository.MemoryStore) repository.CampaignRepositoryInterface
	// messages wraps the store for message access when set.
	messages func(*repository.MemoryStore) repository.MessageRepositoryInterface
	limit    ratelimit.Config
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	var campaigns repository.CampaignRepositoryInterface = store
	if opts.campaigns != nil {
		campaigns = opts.campaigns(store)
	}
	var messages repository.MessageRepositoryInterface = store
	if opts.messages != nil {
		messages = opts.messages(store)
	}
	if opts.limit.RequestsPerSecond == 0 {
		opts.limit = ratelimit.Config{RequestsPerSecond: 1000, BurstSize: 1000}
	}

	q := queue.NewInMemoryQueue()
	client := provider.NewMockClient("")
	client.Behaviour = func(provider.SendRequest) error { return nil }
	ledger := idempotency.NewMemoryLedger()
	completion := service.NewCompletionChecker(campaigns, messages)

	h := &harness{
		t:      t,
		store:  store,
		q:      q,
		client: client,
		ledger: ledger,
		svc:    service.NewCampaignService(campaigns, store, q),
		orch: service.NewOrchestrator(campaigns, messages, store, q, service.TemplateRenderer{}, completion, service.OrchestratorOptions{
			BatchSize:        2,
			MaxBatchesPerRun: 10,
			BackoffBase:      time.Millisecond,
			BackoffMax:       5 * time.Millisecond,
		}),
		disp: service.NewDispatcher(messages, q, client, ratelimit.New(opts.limit), completion, service.DispatcherOptions{
			MaxRetries:      3,
			BackoffBase:     time.Millisecond,
			BackoffMax:      5 * time.Millisecond,
			RateLimitDelay:  5 * time.Millisecond,
			ProviderTimeout: time.Second,
		}),
		fb:  service.NewFallbackHandler(messages, q, completion, time.Millisecond, 5*time.Millisecond),
		rec: service.NewReconciler(messages, q, client, ledger, completion, time.Millisecond, 5*time.Millisecond),
	}
	h.workers = map[string]*service.Worker{
		model.TopicOrchestrate: service.NewWorker("orchestrator", q, model.TopicOrchestrate, 1, time.Second, h.orch.Handle),
		model.TopicDispatch:    service.NewWorker("dispatcher", q, model.TopicDispatch, 1, time.Second, h.disp.Handle),
		model.TopicFallback:    service.NewWorker("fallback", q, model.TopicFallback, 1, time.Second, h.fb.Handle),
		model.TopicWebhook:     service.NewWorker("reconciler", q, model.TopicWebhook, 1, time.Second, h.rec.Handle),
	}
	return h
}

// drain runs jobs one at a time until no topic has ready or delayed work.
func (h *harness) drain() {
	h.t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		progressed := false
		for _, topic := range topics {
			if job, ok := h.q.TryReceive(topic); ok {
				h.workers[topic].Handle(ctx, job)
				progressed = true
			}
		}
		if progressed {
			continue
		}
		if h.q.Delayed() == 0 && h.ready() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatal("queue did not drain in time")
}

func (h *harness) ready() int {
	n := 0
	for _, topic := range topics {
		n += h.q.Ready(topic)
	}
	return n
}

func (h *harness) activeCampaign(channel model.Channel, addresses ...string) *model.Campaign {
	h.t.Helper()
	ctx := context.Background()
	c, err := h.svc.CreateCampaign(ctx, service.CampaignInput{
		TenantID: uuid.New(),
		Name:     "Spring launch",
		Channel:  channel,
		Priority: model.PriorityHigh,
		Template: model.Content{
			Text: "Hi {first_name}, spring is here",
			RichCard: &model.RichCard{
				Title:    "Spring sale",
				MediaURL: "https://example.com/spring.png",
			},
		},
	})
	if err != nil {
		h.t.Fatalf("create campaign: %v", err)
	}
	recipients := make([]model.Recipient, len(addresses))
	for i, a := range addresses {
		recipients[i] = model.Recipient{Address: a, FirstName: fmt.Sprintf("R%d", i+1)}
	}
	if _, err := h.svc.AddRecipients(ctx, c.ID, recipients); err != nil {
		h.t.Fatalf("add recipients: %v", err)
	}
	if _, err := h.svc.Schedule(ctx, c.ID, time.Now().Add(time.Hour)); err != nil {
		h.t.Fatalf("schedule: %v", err)
	}
	activated, err := h.svc.Activate(ctx, c.ID)
	if err != nil {
		h.t.Fatalf("activate: %v", err)
	}
	return activated
}

func (h *harness) campaign(id uuid.UUID) *model.Campaign {
	h.t.Helper()
	c, err := h.store.GetCampaign(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get campaign: %v", err)
	}
	return c
}

var eventSeq int64

func (h *harness) webhook(eventType model.WebhookEventType, externalID string) {
	h.t.Helper()
	body, _ := json.Marshal(map[string]string{
		"event_id":    fmt.Sprintf("evt-%d", atomic.AddInt64(&eventSeq, 1)),
		"type":        string(eventType),
		"external_id": externalID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := h.rec.IngestWebhook(context.Background(), model.RawWebhook{Body: body}); err != nil {
		h.t.Fatalf("ingest webhook: %v", err)
	}
}

func TestCampaignWithFallbackCompletes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.client.Behaviour = func(req provider.SendRequest) error {
		if req.Channel == model.ChannelRCS && req.Recipient == "+254700000003" {
			return &appErrors.PermanentProviderError{Provider: "mock", Code: "RCS_NOT_SUPPORTED", Reason: appErrors.ReasonRCSNotSupported, Err: errors.New("not capable")}
		}
		return nil
	}

	c := h.activeCampaign(model.ChannelRCS, "+254700000001", "+254700000002", "+254700000003")
	h.drain()

	msgs := h.store.Messages(c.ID)
	if len(msgs) != 4 {
		t.Fatalf("expected 3 rcs + 1 sms messages, got %d", len(msgs))
	}
	var original, fallback model.Message
	for _, m := range msgs {
		if m.Recipient != "+254700000003" {
			continue
		}
		if m.AttemptKey == model.AttemptFallback {
			fallback = m
		} else {
			original = m
		}
	}
	if original.Status != model.MessageFallbackSent {
		t.Errorf("expected original fallback_sent, got %s", original.Status)
	}
	if fallback.ID == original.ID || fallback.OriginalMessageID == nil || *fallback.OriginalMessageID != original.ID {
		t.Errorf("fallback should be a distinct message pointing at the original")
	}
	if fallback.Channel != model.ChannelSMS {
		t.Errorf("expected sms fallback, got %s", fallback.Channel)
	}
	if got := fallback.Content.Text; got != "Hi R3, spring is here\n\nSpring sale\nView: https://example.com/spring.png" {
		t.Errorf("unexpected sms text %q", got)
	}
	if h.campaign(c.ID).Status != model.CampaignActive {
		t.Fatalf("campaign should stay active until deliveries are reported")
	}

	for _, m := range h.store.Messages(c.ID) {
		if m.Status == model.MessageSent {
			h.webhook(model.EventDelivered, *m.ExternalID)
		}
	}
	h.drain()

	final := h.campaign(c.ID)
	if final.Status != model.CampaignCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Counters.Sent != 3 || final.Counters.Delivered != 3 {
		t.Errorf("expected sent=3 delivered=3, got %+v", final.Counters)
	}
	if final.Counters.Fallbacks != 1 || final.Counters.Failed != 1 {
		t.Errorf("expected one failed rcs attempt with fallback, got %+v", final.Counters)
	}
	if final.CompletedAt == nil {
		t.Errorf("expected completed_at to be set")
	}
}

func TestDuplicateDispatchOfDeliveredMessageIsNoop(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()

	m := h.store.Messages(c.ID)[0]
	h.webhook(model.EventDelivered, *m.ExternalID)
	h.drain()
	sends := len(h.client.Sent())

	err := h.q.Publish(context.Background(), model.TopicDispatch, model.DispatchJob{MessageID: m.ID}, queue.PublishOptions{})
	if err != nil {
		t.Fatal(err)
	}
	h.drain()

	if got := len(h.client.Sent()); got != sends {
		t.Errorf("expected no new send, got %d sends after %d", got, sends)
	}
	after := h.store.Messages(c.ID)[0]
	if after.Status != model.MessageDelivered {
		t.Errorf("expected delivered, got %s", after.Status)
	}
	if h.campaign(c.ID).Counters.Sent != 1 {
		t.Errorf("sent counter changed on duplicate dispatch")
	}
}

func TestTransientFailuresEndInDLQ(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.client.Behaviour = func(provider.SendRequest) error {
		return &appErrors.TransientProviderError{Provider: "mock", Code: "503", Err: errors.New("unavailable")}
	}

	c := h.activeCampaign(model.ChannelSMS, "+254700000001")
	h.drain()

	m := h.store.Messages(c.ID)[0]
	if m.Status != model.MessageDLQ {
		t.Fatalf("expected dlq, got %s", m.Status)
	}
	if m.RetryCount != 3 || len(h.client.Sent()) != 3 {
		t.Errorf("expected 3 attempts, got retry_count=%d sends=%d", m.RetryCount, len(h.client.Sent()))
	}
	dead := h.q.DeadLetters(model.TopicDispatch)
	if len(dead) != 1 {
		t.Fatalf("expected one dead-lettered job, got %d", len(dead))
	}
	rec, ok := dead[0].Record.(model.DLQRecord)
	if !ok {
		t.Fatalf("expected DLQRecord, got %T", dead[0].Record)
	}
	if rec.FailureType != appErrors.ReasonRetryExhausted || rec.Attempts != 3 || rec.MessageID == nil || *rec.MessageID != m.ID {
		t.Errorf("unexpected dlq record %+v", rec)
	}

	final := h.campaign(c.ID)
	if final.Counters.Failed != 1 || final.Status != model.CampaignCompleted {
		t.Errorf("expected completed campaign with one failure, got %s %+v", final.Status, final.Counters)
	}
}

func TestPermanentSMSFailureGoesToDLQ(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.client.Behaviour = func(provider.SendRequest) error {
		return &appErrors.PermanentProviderError{Provider: "mock", Code: "INVALID_NUMBER", Reason: appErrors.ReasonInvalidRecipient, Err: errors.New("bad number")}
	}

	c := h.activeCampaign(model.ChannelSMS, "+254700000001")
	h.drain()

	m := h.store.Messages(c.ID)[0]
	if m.Status != model.MessageDLQ || m.FailureReason != appErrors.ReasonInvalidRecipient {
		t.Errorf("expected dlq with invalid_recipient, got %s/%s", m.Status, m.FailureReason)
	}
	if len(h.client.Sent()) != 1 {
		t.Errorf("permanent failures must not be retried")
	}
	if len(h.q.DeadLetters(model.TopicDispatch)) != 1 {
		t.Errorf("expected the job to be dead-lettered")
	}
}

func TestRateLimitedDispatchWaitsForTokens(t *testing.T) {
	h := newHarness(t, harnessOptions{limit: ratelimit.Config{RequestsPerSecond: 20, BurstSize: 1}})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001", "+254700000002", "+254700000003")
	h.drain()

	for _, m := range h.store.Messages(c.ID) {
		if m.Status != model.MessageSent {
			t.Errorf("expected %s sent, got %s", m.Recipient, m.Status)
		}
		if m.RetryCount != 0 {
			t.Errorf("rate limiting must not count as a retry")
		}
	}
	if got := len(h.client.Sent()); got != 3 {
		t.Errorf("expected exactly 3 sends, got %d", got)
	}
	if got := len(h.q.DeadLetters(model.TopicDispatch)); got != 0 {
		t.Errorf("expected no dead letters, got %d", got)
	}
}

// flakyCursorStore fails the first cursor advance, as a crash between
// emitting a batch and recording progress would.
type flakyCursorStore struct {
	*repository.MemoryStore
	failed atomic.Bool
}

func (s *flakyCursorStore) AdvanceCursor(ctx context.Context, id uuid.UUID, cursor int64) error {
	if s.failed.CompareAndSwap(false, true) {
		return errors.New("connection reset")
	}
	return s.MemoryStore.AdvanceCursor(ctx, id, cursor)
}

func TestOrchestrationIsResumableWithoutDuplicates(t *testing.T) {
	h := newHarness(t, harnessOptions{
		campaigns: func(s *repository.MemoryStore) repository.CampaignRepositoryInterface {
			return &flakyCursorStore{MemoryStore: s}
		},
	})

	c := h.activeCampaign(model.ChannelRCS, "+254700000001", "+254700000002")
	ctx := context.Background()
	if job, ok := h.q.TryReceive(model.TopicOrchestrate); ok {
		_ = h.q.Ack(job)
	}

	if err := h.orch.Run(ctx, c.ID); err == nil {
		t.Fatal("expected the first run to fail on the cursor write")
	}
	if err := h.orch.Run(ctx, c.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}

	msgs := h.store.Messages(c.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if got := h.q.Ready(model.TopicDispatch); got != 2 {
		t.Errorf("expected 2 dispatch jobs, got %d", got)
	}
	if !h.campaign(c.ID).Materialized() {
		t.Errorf("expected recipient list marked materialized")
	}
}

func TestPausedCampaignEmitsNothing(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	if _, err := h.svc.Pause(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	h.drain()

	if got := len(h.store.Messages(c.ID)); got != 0 {
		t.Fatalf("expected no messages while paused, got %d", got)
	}

	if _, err := h.svc.Resume(context.Background(), c.ID); err != nil {
		t.Fatal(err)
	}
	h.drain()
	if got := len(h.store.Messages(c.ID)); got != 1 {
		t.Errorf("expected resume to materialize the recipient, got %d", got)
	}
}

func TestWebhookEventsAreIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()
	m := h.store.Messages(c.ID)[0]

	ev := model.WebhookEvent{
		EventID:    "evt-dup",
		Provider:   "mock",
		Type:       model.EventDelivered,
		ExternalID: *m.ExternalID,
		Timestamp:  time.Now().UTC(),
	}
	ctx := context.Background()
	if err := h.rec.Apply(ctx, ev); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := h.rec.Apply(ctx, ev); !errors.Is(err, appErrors.ErrDuplicateEvent) {
		t.Fatalf("expected duplicate event, got %v", err)
	}

	if got := h.campaign(c.ID).Counters.Delivered; got != 1 {
		t.Errorf("expected delivered=1, got %d", got)
	}
}

func TestWebhookFillsInSkippedStates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()
	m := h.store.Messages(c.ID)[0]
	ctx := context.Background()

	ev := model.WebhookEvent{EventID: "evt-read", Provider: "mock", Type: model.EventRead, ExternalID: *m.ExternalID}
	if err := h.rec.Apply(ctx, ev); err != nil {
		t.Fatal(err)
	}
	after, _ := h.store.GetMessage(ctx, m.ID)
	if after.Status != model.MessageRead || after.DeliveredAt == nil {
		t.Errorf("expected read with delivered stamped, got %s", after.Status)
	}
	counters := h.campaign(c.ID).Counters
	if counters.Delivered != 1 || counters.Read != 1 {
		t.Errorf("expected delivered=1 read=1, got %+v", counters)
	}

	stale := model.WebhookEvent{EventID: "evt-late", Provider: "mock", Type: model.EventDelivered, ExternalID: *m.ExternalID}
	if err := h.rec.Apply(ctx, stale); err != nil {
		t.Fatalf("stale event should be a no-op, got %v", err)
	}
	if got := h.campaign(c.ID).Counters.Delivered; got != 1 {
		t.Errorf("stale event changed counters: delivered=%d", got)
	}
}

func TestWebhookForUnknownMessageIsDropped(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	ev := model.WebhookEvent{EventID: "evt-ghost", Provider: "mock", Type: model.EventDelivered, ExternalID: "mock-unknown"}

	if err := h.rec.Apply(ctx, ev); err != nil {
		t.Fatalf("unknown reference should be dropped, got %v", err)
	}
	key, _ := idempotency.DeriveKey(ev)
	res, err := h.ledger.Claim(ctx, key)
	if err != nil || res != idempotency.Claimed {
		t.Errorf("expected the claim to be released, got %v %v", res, err)
	}
}

func TestWebhookFailureOnRCSTriggersFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()
	m := h.store.Messages(c.ID)[0]

	body, _ := json.Marshal(map[string]string{
		"event_id":    "evt-fail",
		"type":        "failed",
		"external_id": *m.ExternalID,
		"error_code":  "RCS_NOT_CAPABLE",
	})
	if _, err := h.rec.IngestWebhook(context.Background(), model.RawWebhook{Body: body}); err != nil {
		t.Fatal(err)
	}
	h.drain()

	msgs := h.store.Messages(c.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected original and sms fallback, got %d", len(msgs))
	}
	for _, msg := range msgs {
		switch msg.AttemptKey {
		case model.AttemptPrimary:
			if msg.Status != model.MessageFallbackSent || msg.FailureReason != appErrors.ReasonRCSNotSupported {
				t.Errorf("unexpected original %s/%s", msg.Status, msg.FailureReason)
			}
		case model.AttemptFallback:
			if msg.Status != model.MessageSent {
				t.Errorf("expected fallback sent, got %s", msg.Status)
			}
		}
	}
}

func TestFallbackRunsOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.client.Behaviour = func(req provider.SendRequest) error {
		if req.Channel == model.ChannelRCS {
			return &appErrors.PermanentProviderError{Provider: "mock", Reason: appErrors.ReasonRCSNotSupported, Err: errors.New("no rcs")}
		}
		return nil
	}
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()

	original := h.store.Messages(c.ID)[0]
	if err := h.fb.Fallback(context.Background(), model.FallbackJob{MessageID: original.ID, Reason: appErrors.ReasonRCSNotSupported}); err != nil {
		t.Fatalf("repeat fallback: %v", err)
	}
	h.drain()

	if got := len(h.store.Messages(c.ID)); got != 2 {
		t.Errorf("expected one fallback message, got %d messages", got)
	}
	if got := h.campaign(c.ID).Counters.Fallbacks; got != 1 {
		t.Errorf("expected fallbacks=1, got %d", got)
	}
}

func TestRecipientsCannotJoinActiveCampaign(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	c := h.activeCampaign(model.ChannelRCS, "+254700000001")
	h.drain()

	_, err := h.svc.AddRecipients(context.Background(), c.ID, []model.Recipient{{Address: "+254700000009"}})
	if !appErrors.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	h.drain()

	msgs := h.store.Messages(c.ID)
	if len(msgs) != 1 {
		t.Fatalf("expected only the original recipient, got %d messages", len(msgs))
	}
	if msgs[0].Recipient != "+254700000001" {
		t.Errorf("unexpected recipient %s", msgs[0].Recipient)
	}
	if h.campaign(c.ID).Status != model.CampaignActive {
		t.Errorf("campaign should still be active")
	}
}

// sentWriteFailStore fails the first n writes that record a message as SENT.
type sentWriteFailStore struct {
	*repository.MemoryStore
	remaining atomic.Int32
}

func (s *sentWriteFailStore) UpdateMessage(ctx context.Context, m *model.Message, expectedVersion int64, delta model.CounterDelta) error {
	if m.Status == model.MessageSent && s.remaining.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdateMessage(ctx, m, expectedVersion, delta)
}

func TestFailedSentWriteNeverResends(t *testing.T) {
	for _, failures := range []int32{1, 3, 4} {
		t.Run(fmt.Sprintf("%d failed writes", failures), func(t *testing.T) {
			h := newHarness(t, harnessOptions{
				messages: func(s *repository.MemoryStore) repository.MessageRepositoryInterface {
					fs := &sentWriteFailStore{MemoryStore: s}
					fs.remaining.Store(failures)
					return fs
				},
			})
			c := h.activeCampaign(model.ChannelRCS, "+254700000001")
			h.drain()

			sent := h.client.Sent()
			if len(sent) != 1 {
				t.Fatalf("expected exactly one provider send, got %d", len(sent))
			}
			m := h.store.Messages(c.ID)[0]
			if m.Status != model.MessageSent {
				t.Fatalf("expected sent, got %s", m.Status)
			}
			if m.ExternalID == nil || *m.ExternalID == "" {
				t.Fatalf("expected the provider external id to be recorded")
			}
			if m.Provider != h.client.Name() {
				t.Errorf("expected provider %s, got %s", h.client.Name(), m.Provider)
			}
			if got := h.campaign(c.ID).Counters.Sent; got != 1 {
				t.Errorf("expected sent=1, got %d", got)
			}
			if n := len(h.q.DeadLetters(model.TopicDispatch)); n != 0 {
				t.Errorf("expected no dead letters, got %d", n)
			}
		})
	}
}
