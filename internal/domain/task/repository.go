package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

const taskColumns = `
	id, task_id, owner_user_id, provider, state,
	prompt, triggers, duration, quality, aspect_ratio, credit_cost,
	video_url, thumbnail_url, resolution,
	rehosted_video_url, rehosted_thumb_url, preview_image_url,
	failure_reason, error_code, created_at, completed_at`

// Repository is the single source of truth for task state, keyed by the
// provider-issued task ID (unique).
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a new task record. Returns ErrDuplicateTask when a record
// for the same provider task ID already exists; the caller treats that as
// already-dispatched, not as a user-facing error.
func (r *Repository) Create(ctx context.Context, t *VideoTask) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if t.InternalID == uuid.Nil {
		t.InternalID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Triggers == nil {
		t.Triggers = pq.StringArray{}
	}

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO video_tasks (
			id, task_id, owner_user_id, provider, state,
			prompt, triggers, duration, quality, aspect_ratio, credit_cost,
			video_url, thumbnail_url, resolution,
			failure_reason, error_code, created_at, completed_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, t.InternalID, t.TaskID, t.OwnerUserID, t.Provider, t.State,
		t.Prompt, t.Triggers, t.Duration, t.Quality, t.AspectRatio, t.CreditCost,
		t.VideoURL, t.ThumbnailURL, t.Resolution,
		t.FailureReason, t.ErrorCode, t.CreatedAt, t.CompletedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTask
		}
		return fmt.Errorf("%w: insert task", ErrInternal)
	}

	return nil
}

// FindByTaskID loads a task by its provider task ID.
func (r *Repository) FindByTaskID(ctx context.Context, taskID string) (*VideoTask, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t VideoTask
	err := r.db.GetContext(ctx2, &t, `
		SELECT `+taskColumns+`
		FROM video_tasks
		WHERE task_id = $1
	`, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: find task", ErrInternal)
	}

	return &t, nil
}

// MarkCompleted transitions a task to completed. Only legal from
// pending/processing; a task already in a terminal state is returned unchanged
// with transitioned=false, which is what makes duplicate provider callbacks
// safe.
func (r *Repository) MarkCompleted(ctx context.Context, taskID string, res Result) (*VideoTask, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t VideoTask
	err := r.db.GetContext(ctx2, &t, `
		UPDATE video_tasks
		SET state = $2, video_url = $3, thumbnail_url = nullif($4, ''), resolution = nullif($5, ''), completed_at = now()
		WHERE task_id = $1 AND state IN ($6, $7)
		RETURNING `+taskColumns+`
	`, taskID, StateCompleted, res.VideoURL, res.ThumbnailURL, res.Resolution, StatePending, StateProcessing)
	if err == nil {
		return &t, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: mark completed", ErrInternal)
	}

	// No transition happened: either the task is unknown or already terminal
	existing, findErr := r.FindByTaskID(ctx, taskID)
	if findErr != nil {
		return nil, false, findErr
	}
	return existing, false, nil
}

// MarkFailed transitions a task to failed with the normalized reason.
// Same idempotent-terminal-state behavior as MarkCompleted.
func (r *Repository) MarkFailed(ctx context.Context, taskID string, reason FailureCategory, errorCode string) (*VideoTask, bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t VideoTask
	err := r.db.GetContext(ctx2, &t, `
		UPDATE video_tasks
		SET state = $2, failure_reason = $3, error_code = nullif($4, ''), completed_at = now()
		WHERE task_id = $1 AND state IN ($5, $6)
		RETURNING `+taskColumns+`
	`, taskID, StateFailed, string(reason), errorCode, StatePending, StateProcessing)
	if err == nil {
		return &t, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: mark failed", ErrInternal)
	}

	existing, findErr := r.FindByTaskID(ctx, taskID)
	if findErr != nil {
		return nil, false, findErr
	}
	return existing, false, nil
}

// UpdateRehostedMedia records the re-hosted copies written by the media
// continuation. Never changes task state.
func (r *Repository) UpdateRehostedMedia(ctx context.Context, taskID, videoURL, thumbURL, previewURL string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE video_tasks
		SET rehosted_video_url = nullif($2, ''),
		    rehosted_thumb_url = nullif($3, ''),
		    preview_image_url  = nullif($4, '')
		WHERE task_id = $1
	`, taskID, videoURL, thumbURL, previewURL)
	if err != nil {
		return fmt.Errorf("%w: update rehosted media", ErrInternal)
	}
	return nil
}

// ListByOwner returns the owner's generation history, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]VideoTask, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	tasks := make([]VideoTask, 0)
	err := r.db.SelectContext(ctx2, &tasks, `
		SELECT `+taskColumns+`
		FROM video_tasks
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks", ErrInternal)
	}

	return tasks, nil
}
