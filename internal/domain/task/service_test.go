package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/asmrlabs/asmr-api/internal/domain/credit"
)

/* =========================
   Fakes
   ========================= */

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]*VideoTask
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]*VideoTask)}
}

func (s *fakeStore) Create(ctx context.Context, t *VideoTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.tasks[t.TaskID]; ok {
		return ErrDuplicateTask
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *fakeStore) FindByTaskID(ctx context.Context, taskID string) (*VideoTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeStore) MarkCompleted(ctx context.Context, taskID string, res Result) (*VideoTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.IsTerminal() {
		cp := *t
		return &cp, false, nil
	}
	t.State = StateCompleted
	t.VideoURL = &res.VideoURL
	if res.ThumbnailURL != "" {
		t.ThumbnailURL = &res.ThumbnailURL
	}
	if res.Resolution != "" {
		t.Resolution = &res.Resolution
	}
	cp := *t
	return &cp, true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, taskID string, reason FailureCategory, errorCode string) (*VideoTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.IsTerminal() {
		cp := *t
		return &cp, false, nil
	}
	t.State = StateFailed
	r := string(reason)
	t.FailureReason = &r
	t.ErrorCode = &errorCode
	cp := *t
	return &cp, true, nil
}

func (s *fakeStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]VideoTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VideoTask
	for _, t := range s.tasks {
		if t.OwnerUserID != nil && *t.OwnerUserID == ownerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int
	refunds  map[string]bool // by related task id
	debits   int
}

func newFakeLedger(userID uuid.UUID, balance int) *fakeLedger {
	return &fakeLedger{
		balances: map[uuid.UUID]int{userID: balance},
		refunds:  make(map[string]bool),
	}
}

func (l *fakeLedger) Debit(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < amount {
		return credit.ErrInsufficientCredits
	}
	l.balances[userID] -= amount
	l.debits++
	return nil
}

func (l *fakeLedger) RefundForTask(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refunds[meta.RelatedTaskID] {
		return false, nil
	}
	l.refunds[meta.RelatedTaskID] = true
	l.balances[userID] += amount
	return true, nil
}

func (l *fakeLedger) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

type fakeDispatcher struct {
	mu          sync.Mutex
	taskID      string
	dispatchErr error
	queryRaw    json.RawMessage
	queryErr    error
	lastReq     DispatchRequest
	dispatches  int
	queries     int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, provider Provider, req DispatchRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReq = req
	d.dispatches++
	if d.dispatchErr != nil {
		return "", d.dispatchErr
	}
	return d.taskID, nil
}

func (d *fakeDispatcher) Query(ctx context.Context, provider Provider, taskID string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	return d.queryRaw, d.queryErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *fakeNotifier) Publish(taskID string, event StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

type fakeMedia struct {
	mu       sync.Mutex
	launches int
}

func (m *fakeMedia) Launch(t *VideoTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches++
}

func newTestService(store *fakeStore, ledger *fakeLedger, disp *fakeDispatcher, notifier *fakeNotifier, media *fakeMedia) *Service {
	var n Notifier
	if notifier != nil {
		n = notifier
	}
	var m Media
	if media != nil {
		m = media
	}
	return NewService(store, ledger, disp, n, m, Config{
		CallbackBaseURL: "https://api.example.com",
	})
}

func validRequest() GenerateRequest {
	return GenerateRequest{
		Prompt:   "slow rain on a tin roof",
		Triggers: []string{"rain", "tapping"},
		Duration: 5,
		Quality:  "720p",
		Provider: "veo3",
	}
}

/* =========================
   RequestGeneration
   ========================= */

func TestRequestGenerationHappyPath(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 100)
	disp := &fakeDispatcher{taskID: "veo_task_1"}

	svc := newTestService(store, ledger, disp, nil, nil)

	task, cost, err := svc.RequestGeneration(context.Background(), userID, validRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cost != 20 {
		t.Errorf("cost = %d, want 20", cost)
	}
	if task.State != StateProcessing {
		t.Errorf("state = %q, want processing", task.State)
	}
	if task.TaskID != "veo_task_1" {
		t.Errorf("task id = %q", task.TaskID)
	}
	if task.CreditCost != 20 {
		t.Errorf("credit cost = %d", task.CreditCost)
	}

	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 80 {
		t.Errorf("balance = %d, want 80", balance)
	}

	if !strings.HasSuffix(disp.lastReq.CallbackURL, "/webhooks/generate/veo3") {
		t.Errorf("callback URL = %q", disp.lastReq.CallbackURL)
	}
	if !strings.Contains(disp.lastReq.Prompt, "ASMR triggers: rain, tapping") {
		t.Errorf("prompt = %q, triggers not folded in", disp.lastReq.Prompt)
	}

	stored, err := store.FindByTaskID(context.Background(), "veo_task_1")
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if stored.OwnerUserID == nil || *stored.OwnerUserID != userID {
		t.Error("owner not recorded")
	}
}

func TestRequestGenerationInvalidCombination(t *testing.T) {
	userID := uuid.New()
	ledger := newFakeLedger(userID, 100)
	disp := &fakeDispatcher{taskID: "t"}
	svc := newTestService(newFakeStore(), ledger, disp, nil, nil)

	req := validRequest()
	req.Duration = 8
	req.Quality = "1080p"

	_, _, err := svc.RequestGeneration(context.Background(), userID, req)
	if !errors.Is(err, ErrInvalidCombination) {
		t.Fatalf("expected ErrInvalidCombination, got %v", err)
	}

	// Validation happens before any money moves.
	if ledger.debits != 0 {
		t.Error("debit happened for an invalid combination")
	}
	if disp.dispatches != 0 {
		t.Error("dispatch happened for an invalid combination")
	}
}

func TestRequestGenerationInsufficientCredits(t *testing.T) {
	userID := uuid.New()
	ledger := newFakeLedger(userID, 10)
	disp := &fakeDispatcher{taskID: "t"}
	svc := newTestService(newFakeStore(), ledger, disp, nil, nil)

	_, _, err := svc.RequestGeneration(context.Background(), userID, validRequest())
	if !errors.Is(err, credit.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if disp.dispatches != 0 {
		t.Error("dispatched despite failed debit")
	}
}

func TestRequestGenerationDispatchFailureRefunds(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 100)
	disp := &fakeDispatcher{dispatchErr: errors.New("connection refused")}
	svc := newTestService(store, ledger, disp, nil, nil)

	_, _, err := svc.RequestGeneration(context.Background(), userID, validRequest())
	if !errors.Is(err, ErrProviderDispatch) {
		t.Fatalf("expected ErrProviderDispatch, got %v", err)
	}

	// Debit + compensating refund = net zero.
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100 after compensation", balance)
	}

	if len(store.tasks) != 0 {
		t.Error("task record created despite failed dispatch")
	}
}

func TestRequestGenerationPersistFailureRefunds(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	store.createErr = errors.New("connection reset by peer")
	ledger := newFakeLedger(userID, 100)
	disp := &fakeDispatcher{taskID: "veo_task_1"}
	svc := newTestService(store, ledger, disp, nil, nil)

	_, _, err := svc.RequestGeneration(context.Background(), userID, validRequest())
	if err == nil {
		t.Fatal("expected error from failed persist")
	}

	// The record never landed, so no failure webhook will ever arrive to
	// refund this debit. The compensation has to happen before returning.
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100 after compensation", balance)
	}

	if disp.dispatches != 1 {
		t.Errorf("dispatches = %d, want 1", disp.dispatches)
	}
}

/* =========================
   IngestNotification
   ========================= */

func seedProcessingTask(t *testing.T, svc *Service, store *fakeStore, userID uuid.UUID, taskID string) {
	t.Helper()
	err := store.Create(context.Background(), &VideoTask{
		InternalID:  uuid.New(),
		TaskID:      taskID,
		OwnerUserID: &userID,
		Provider:    ProviderVeo3,
		State:       StateProcessing,
		Duration:    5,
		Quality:     "720p",
		CreditCost:  20,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func successPayload(taskID string) []byte {
	return []byte(fmt.Sprintf(
		`{"code":200,"msg":"ok","data":{"taskId":%q,"info":{"resultUrls":["https://cdn.x/v.mp4"],"resolution":"720p"}}}`,
		taskID))
}

func failurePayload(taskID, msg string, code int) []byte {
	return []byte(fmt.Sprintf(`{"code":%d,"msg":%q,"data":{"taskId":%q}}`, code, msg, taskID))
}

func TestIngestSuccessTransition(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	notifier := &fakeNotifier{}
	media := &fakeMedia{}
	svc := newTestService(store, ledger, &fakeDispatcher{}, notifier, media)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	err := svc.IngestNotification(context.Background(), ProviderVeo3, successPayload("veo_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := store.FindByTaskID(context.Background(), "veo_1")
	if stored.State != StateCompleted {
		t.Fatalf("state = %q, want completed", stored.State)
	}
	if stored.VideoURL == nil || *stored.VideoURL != "https://cdn.x/v.mp4" {
		t.Error("video url not recorded")
	}

	if len(notifier.events) != 1 {
		t.Fatalf("published %d events, want 1", len(notifier.events))
	}
	if notifier.events[0].Status != string(StateCompleted) {
		t.Errorf("event status = %q", notifier.events[0].Status)
	}
	if media.launches != 1 {
		t.Errorf("media launches = %d, want 1", media.launches)
	}
}

func TestIngestDuplicateSuccessIsNoOp(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	media := &fakeMedia{}
	svc := newTestService(store, newFakeLedger(userID, 0), &fakeDispatcher{}, notifier, media)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	for i := 0; i < 3; i++ {
		if err := svc.IngestNotification(context.Background(), ProviderVeo3, successPayload("veo_1")); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	// Only the winning transition publishes and launches media.
	if len(notifier.events) != 1 {
		t.Errorf("published %d events, want 1", len(notifier.events))
	}
	if media.launches != 1 {
		t.Errorf("media launches = %d, want 1", media.launches)
	}
}

func TestIngestFailureRefundsOnce(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	svc := newTestService(store, ledger, &fakeDispatcher{}, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	payload := failurePayload("veo_1", "content policy violation", 400)
	for i := 0; i < 3; i++ {
		if err := svc.IngestNotification(context.Background(), ProviderVeo3, payload); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	stored, _ := store.FindByTaskID(context.Background(), "veo_1")
	if stored.State != StateFailed {
		t.Fatalf("state = %q, want failed", stored.State)
	}
	if stored.FailureReason == nil || *stored.FailureReason != string(FailureContentPolicy) {
		t.Errorf("failure reason = %v", stored.FailureReason)
	}

	// Exactly one refund across all duplicate deliveries.
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 20 {
		t.Errorf("balance = %d, want 20", balance)
	}
}

func TestIngestFailureAfterCompletedKeepsCompleted(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	svc := newTestService(store, ledger, &fakeDispatcher{}, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	if err := svc.IngestNotification(context.Background(), ProviderVeo3, successPayload("veo_1")); err != nil {
		t.Fatal(err)
	}
	if err := svc.IngestNotification(context.Background(), ProviderVeo3, failurePayload("veo_1", "server error", 500)); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.FindByTaskID(context.Background(), "veo_1")
	if stored.State != StateCompleted {
		t.Fatalf("state = %q, completed must win", stored.State)
	}

	// A late failure against a completed task never refunds.
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestIngestUnknownTaskCreatesOwnerlessRecord(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	svc := newTestService(store, ledger, &fakeDispatcher{}, nil, nil)

	err := svc.IngestNotification(context.Background(), ProviderVeo3, failurePayload("ghost_1", "server error", 500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := store.FindByTaskID(context.Background(), "ghost_1")
	if err != nil {
		t.Fatalf("terminal record not created: %v", err)
	}
	if stored.State != StateFailed {
		t.Errorf("state = %q", stored.State)
	}
	if stored.OwnerUserID != nil {
		t.Error("ownerless record has an owner")
	}

	// No owner means no credit movement.
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestIngestMalformedPayloadAbsorbed(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	svc := newTestService(store, newFakeLedger(userID, 0), &fakeDispatcher{}, nil, nil)

	// Valid JSON missing the task id: logged and dropped, never an error up.
	if err := svc.IngestNotification(context.Background(), ProviderVeo3, []byte(`{"code":200,"data":{}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.tasks) != 0 {
		t.Error("record created from unusable payload")
	}
}

func TestIngestConcurrentDuplicateRefundsOnce(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	svc := newTestService(store, ledger, &fakeDispatcher{}, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	payload := failurePayload("veo_1", "quota exceeded", 429)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.IngestNotification(context.Background(), ProviderVeo3, payload); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 20 {
		t.Errorf("balance = %d, want exactly one refund (20)", balance)
	}
}

/* =========================
   GetStatus
   ========================= */

func TestGetStatusTerminalSkipsProviderQuery(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	disp := &fakeDispatcher{}
	svc := newTestService(store, newFakeLedger(userID, 0), disp, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")
	if err := svc.IngestNotification(context.Background(), ProviderVeo3, successPayload("veo_1")); err != nil {
		t.Fatal(err)
	}

	got, err := svc.GetStatus(context.Background(), "veo_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateCompleted {
		t.Errorf("state = %q", got.State)
	}
	if disp.queries != 0 {
		t.Error("provider queried for a terminal task")
	}
}

func TestGetStatusPollIngestsTerminalAnswer(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	ledger := newFakeLedger(userID, 0)
	disp := &fakeDispatcher{queryRaw: failurePayload("veo_1", "server error", 500)}
	svc := newTestService(store, ledger, disp, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	got, err := svc.GetStatus(context.Background(), "veo_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The poll answer went through the same ingestion path: transition + refund.
	if got.State != StateFailed {
		t.Errorf("state = %q, want failed", got.State)
	}
	balance, _ := ledger.GetBalance(context.Background(), userID)
	if balance != 20 {
		t.Errorf("balance = %d, want 20", balance)
	}
}

func TestGetStatusProviderDownServesStoredState(t *testing.T) {
	userID := uuid.New()
	store := newFakeStore()
	disp := &fakeDispatcher{queryErr: errors.New("timeout")}
	svc := newTestService(store, newFakeLedger(userID, 0), disp, nil, nil)

	seedProcessingTask(t, svc, store, userID, "veo_1")

	got, err := svc.GetStatus(context.Background(), "veo_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateProcessing {
		t.Errorf("state = %q, want processing", got.State)
	}
}

func TestGetStatusUnknownTask(t *testing.T) {
	userID := uuid.New()
	svc := newTestService(newFakeStore(), newFakeLedger(userID, 0), &fakeDispatcher{}, nil, nil)

	_, err := svc.GetStatus(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
