package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asmrlabs/asmr-api/internal/domain/credit"
)

// Store is the persistence contract the orchestrator drives.
type Store interface {
	Create(ctx context.Context, t *VideoTask) error
	FindByTaskID(ctx context.Context, taskID string) (*VideoTask, error)
	MarkCompleted(ctx context.Context, taskID string, res Result) (*VideoTask, bool, error)
	MarkFailed(ctx context.Context, taskID string, reason FailureCategory, errorCode string) (*VideoTask, bool, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]VideoTask, error)
}

// Ledger is the slice of the credit service the orchestrator needs.
// Satisfied by credit.Service.
type Ledger interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) error
	RefundForTask(ctx context.Context, userID uuid.UUID, amount int, meta credit.TransactionMeta) (applied bool, err error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
}

// DispatchRequest carries the normalized generation inputs to a provider.
type DispatchRequest struct {
	Prompt      string
	Duration    int
	Quality     string
	AspectRatio string
	CallbackURL string
}

// Dispatcher starts generations and polls provider-side task records.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider Provider, req DispatchRequest) (taskID string, err error)
	Query(ctx context.Context, provider Provider, taskID string) (json.RawMessage, error)
}

// Notifier pushes real state transitions to subscribed clients. May be nil.
type Notifier interface {
	Publish(taskID string, event StatusEvent)
}

// Media runs the post-completion continuation (re-hosting). May be nil.
// Launch must not block; errors inside the continuation never affect the ack.
type Media interface {
	Launch(t *VideoTask)
}

// StatusEvent is pushed over the realtime hub on every real transition.
type StatusEvent struct {
	TaskID string        `json:"taskId"`
	Status string        `json:"status"`
	Result *StatusResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	CallbackBaseURL string
	DispatchTimeout time.Duration
	DefaultProvider Provider
}

// Service drives the task lifecycle state machine:
//
//	pending -> processing -> completed | failed
//
// Terminal states absorb further notifications with no state change.
type Service struct {
	store      Store
	ledger     Ledger
	dispatcher Dispatcher
	notifier   Notifier
	media      Media
	cfg        Config
}

func NewService(store Store, ledger Ledger, dispatcher Dispatcher, notifier Notifier, media Media, cfg Config) *Service {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = ProviderVeo3
	}
	return &Service{
		store:      store,
		ledger:     ledger,
		dispatcher: dispatcher,
		notifier:   notifier,
		media:      media,
		cfg:        cfg,
	}
}

// RequestGeneration validates the request against the cost table, reserves
// credits, dispatches to the provider and persists the processing record.
// Order matters: nothing is debited for an invalid combination, and a debit
// that did not end in a persisted processing record, because either the
// dispatch or the store write failed, is compensated before returning.
func (s *Service) RequestGeneration(ctx context.Context, userID uuid.UUID, req GenerateRequest) (*VideoTask, int, error) {
	cost, err := CostFor(req.Duration, req.Quality)
	if err != nil {
		return nil, 0, err
	}

	provider := s.cfg.DefaultProvider
	if req.Provider != "" {
		provider = Provider(req.Provider)
	}

	internalID := uuid.New()

	debitMeta := credit.TransactionMeta{
		RelatedTaskID: internalID.String(),
		Description:   fmt.Sprintf("video generation %ds %s", req.Duration, req.Quality),
	}
	if err := s.ledger.Debit(ctx, userID, cost, debitMeta); err != nil {
		return nil, 0, err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	taskID, err := s.dispatcher.Dispatch(dispatchCtx, provider, DispatchRequest{
		Prompt:      composePrompt(req.Prompt, req.Triggers),
		Duration:    req.Duration,
		Quality:     req.Quality,
		AspectRatio: req.AspectRatio,
		CallbackURL: strings.TrimRight(s.cfg.CallbackBaseURL, "/") + "/webhooks/generate/" + string(provider),
	})
	if err != nil {
		// Compensating refund: no orphaned debit may survive a failed dispatch
		refundMeta := credit.TransactionMeta{
			RelatedTaskID: internalID.String(),
			Description:   "refund: provider dispatch failed",
		}
		if _, refundErr := s.ledger.RefundForTask(ctx, userID, cost, refundMeta); refundErr != nil {
			log.Error().Err(refundErr).
				Str("user_id", userID.String()).
				Int("amount", cost).
				Msg("compensating refund failed after dispatch error")
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrProviderDispatch, err)
	}

	t := &VideoTask{
		InternalID:  internalID,
		TaskID:      taskID,
		OwnerUserID: &userID,
		Provider:    provider,
		State:       StateProcessing,
		Prompt:      req.Prompt,
		Triggers:    req.Triggers,
		Duration:    req.Duration,
		Quality:     req.Quality,
		AspectRatio: req.AspectRatio,
		CreditCost:  cost,
	}

	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			// Provider re-issued a known task ID: the earlier record wins
			existing, findErr := s.store.FindByTaskID(ctx, taskID)
			if findErr != nil {
				return nil, 0, findErr
			}
			return existing, cost, nil
		}
		// Same compensation as a failed dispatch: the record never existed,
		// so no failure webhook will ever trigger the refund for us.
		refundMeta := credit.TransactionMeta{
			RelatedTaskID: internalID.String(),
			Description:   "refund: task persist failed",
		}
		if _, refundErr := s.ledger.RefundForTask(ctx, userID, cost, refundMeta); refundErr != nil {
			log.Error().Err(refundErr).
				Str("user_id", userID.String()).
				Int("amount", cost).
				Msg("compensating refund failed after persist error")
		}
		return nil, 0, err
	}

	log.Info().
		Str("task_id", taskID).
		Str("provider", string(provider)).
		Str("user_id", userID.String()).
		Int("credit_cost", cost).
		Msg("generation dispatched")

	return t, cost, nil
}

// IngestNotification is the single convergence point for provider callbacks
// and poll results. Adapter-level errors are logged and absorbed: the ingress
// always acks so providers do not disable the callback source. Duplicate and
// out-of-order notifications land on terminal records and change nothing.
func (s *Service) IngestNotification(ctx context.Context, provider Provider, raw []byte) error {
	n, err := Normalize(provider, raw)
	if err != nil {
		log.Warn().Err(err).
			Str("provider", string(provider)).
			Int("payload_bytes", len(raw)).
			Msg("dropping unusable provider notification")
		return nil
	}

	return s.applyOutcome(ctx, provider, n)
}

func (s *Service) applyOutcome(ctx context.Context, provider Provider, n NormalizedResult) error {
	switch n.Outcome {
	case OutcomeSuccess:
		return s.applySuccess(ctx, provider, n)
	case OutcomeFailure:
		return s.applyFailure(ctx, provider, n)
	default:
		return fmt.Errorf("%w: outcome %q", ErrInternal, n.Outcome)
	}
}

func (s *Service) applySuccess(ctx context.Context, provider Provider, n NormalizedResult) error {
	res := Result{
		VideoURL:     n.VideoURL,
		ThumbnailURL: n.ThumbnailURL,
		Resolution:   n.Resolution,
	}

	t, transitioned, err := s.store.MarkCompleted(ctx, n.TaskID, res)
	if errors.Is(err, ErrNotFound) {
		// Callback-first delivery: record the outcome anyway, ownerless, so the
		// result is not lost. No credit operation without a known owner.
		t, err = s.createTerminalRecord(ctx, provider, n)
		transitioned = err == nil
	}
	if err != nil {
		return err
	}

	if transitioned {
		log.Info().
			Str("task_id", t.TaskID).
			Str("video_url", n.VideoURL).
			Msg("task completed")
		s.publish(t)
		if s.media != nil {
			s.media.Launch(t)
		}
	}

	return nil
}

func (s *Service) applyFailure(ctx context.Context, provider Provider, n NormalizedResult) error {
	t, transitioned, err := s.store.MarkFailed(ctx, n.TaskID, n.Category, fmt.Sprintf("%d", n.ErrorCode))
	if errors.Is(err, ErrNotFound) {
		t, err = s.createTerminalRecord(ctx, provider, n)
		transitioned = err == nil
	}
	if err != nil {
		return err
	}

	if transitioned {
		log.Info().
			Str("task_id", t.TaskID).
			Str("reason", string(n.Category)).
			Str("provider_message", n.ErrorMessage).
			Msg("task failed")
		s.publish(t)
	}

	// Refund whenever the task is failed and owned, not only on the winning
	// transition: the ledger's per-task idempotency absorbs duplicates, and
	// this closes the gap where the transition committed but a refund did not.
	if t.State == StateFailed && t.OwnerUserID != nil && t.CreditCost > 0 {
		refundMeta := credit.TransactionMeta{
			RelatedTaskID: t.TaskID,
			Description:   "refund: generation failed (" + string(n.Category) + ")",
		}
		applied, refundErr := s.ledger.RefundForTask(ctx, *t.OwnerUserID, t.CreditCost, refundMeta)
		if refundErr != nil {
			log.Error().Err(refundErr).
				Str("task_id", t.TaskID).
				Int("amount", t.CreditCost).
				Msg("refund for failed task did not apply")
			return refundErr
		}
		if applied {
			log.Info().
				Str("task_id", t.TaskID).
				Int("amount", t.CreditCost).
				Msg("credits refunded")
		}
	}

	return nil
}

// createTerminalRecord persists an ownerless terminal task for notifications
// that arrive before (or without) a dispatch record.
func (s *Service) createTerminalRecord(ctx context.Context, provider Provider, n NormalizedResult) (*VideoTask, error) {
	now := time.Now().UTC()
	t := &VideoTask{
		TaskID:      n.TaskID,
		Provider:    provider,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	if n.Outcome == OutcomeSuccess {
		t.State = StateCompleted
		t.VideoURL = nonEmptyPtr(n.VideoURL)
		t.ThumbnailURL = nonEmptyPtr(n.ThumbnailURL)
		t.Resolution = nonEmptyPtr(n.Resolution)
	} else {
		t.State = StateFailed
		reason := string(n.Category)
		t.FailureReason = &reason
		t.ErrorCode = nonEmptyPtr(fmt.Sprintf("%d", n.ErrorCode))
	}

	if err := s.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateTask) {
			// Lost a race with a concurrent ingestion of the same task
			return s.store.FindByTaskID(ctx, n.TaskID)
		}
		return nil, err
	}

	log.Warn().
		Str("task_id", n.TaskID).
		Str("provider", string(provider)).
		Str("state", string(t.State)).
		Msg("created terminal record for unknown task")

	return t, nil
}

// GetStatus serves the polling fallback. The store is consulted first; the
// provider is queried only for non-terminal records, and a terminal provider
// answer runs through the exact same ingestion path as a pushed callback.
func (s *Service) GetStatus(ctx context.Context, taskID string) (*VideoTask, error) {
	t, err := s.store.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return t, nil
	}

	raw, err := s.dispatcher.Query(ctx, t.Provider, taskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("provider status query failed, serving stored state")
		return t, nil
	}

	if err := s.IngestNotification(ctx, t.Provider, raw); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("poll ingestion failed")
		return t, nil
	}

	return s.store.FindByTaskID(ctx, taskID)
}

// ListHistory returns the owner's generation history.
func (s *Service) ListHistory(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]VideoTask, error) {
	return s.store.ListByOwner(ctx, ownerID, limit, offset)
}

func (s *Service) publish(t *VideoTask) {
	if s.notifier == nil {
		return
	}

	resp := statusResponseFrom(t)
	s.notifier.Publish(t.TaskID, StatusEvent{
		TaskID: resp.TaskID,
		Status: resp.Status,
		Result: resp.Result,
		Error:  resp.Error,
	})
}

func composePrompt(prompt string, triggers []string) string {
	if len(triggers) == 0 {
		return prompt
	}
	return prompt + "\nASMR triggers: " + strings.Join(triggers, ", ")
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
