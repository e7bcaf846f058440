package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Provider identifies which adapter produced/consumes a task record.
type Provider string

const (
	ProviderVeo3   Provider = "veo3"
	ProviderRunway Provider = "runway"
	ProviderLegacy Provider = "legacy"
)

// ParseProvider maps a route segment to a Provider.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(s) {
	case ProviderVeo3, ProviderRunway, ProviderLegacy:
		return Provider(s), true
	default:
		return "", false
	}
}

// State is the task lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// FailureCategory is the short user-visible failure reason. Raw provider
// messages never reach the client.
type FailureCategory string

const (
	FailureContentPolicy FailureCategory = "content_policy_violation"
	FailureInvalidFormat FailureCategory = "invalid_format"
	FailureQuotaExceeded FailureCategory = "quota_exceeded"
	FailureServerError   FailureCategory = "server_error"
	FailureInvalidInput  FailureCategory = "invalid_request"
)

// Result holds the playable output of a completed generation.
type Result struct {
	VideoURL     string
	ThumbnailURL string
	Resolution   string
}

// VideoTask represents one requested video generation, keyed externally by the
// provider-issued task ID.
type VideoTask struct {
	InternalID  uuid.UUID  `db:"id" json:"id"`
	TaskID      string     `db:"task_id" json:"task_id"`
	OwnerUserID *uuid.UUID `db:"owner_user_id" json:"owner_user_id,omitempty"`
	Provider    Provider   `db:"provider" json:"provider"`
	State       State      `db:"state" json:"state"`

	// Request parameters, immutable after creation
	Prompt      string         `db:"prompt" json:"prompt"`
	Triggers    pq.StringArray `db:"triggers" json:"triggers"`
	Duration    int            `db:"duration" json:"duration"`
	Quality     string         `db:"quality" json:"quality"`
	AspectRatio string         `db:"aspect_ratio" json:"aspect_ratio"`

	// Credits reserved at dispatch time, immutable
	CreditCost int `db:"credit_cost" json:"credit_cost"`

	// Set only on transition to completed
	VideoURL     *string `db:"video_url" json:"video_url,omitempty"`
	ThumbnailURL *string `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	Resolution   *string `db:"resolution" json:"resolution,omitempty"`

	// Re-hosted copies written by the media continuation after completion
	RehostedVideoURL *string `db:"rehosted_video_url" json:"rehosted_video_url,omitempty"`
	RehostedThumbURL *string `db:"rehosted_thumb_url" json:"rehosted_thumb_url,omitempty"`
	PreviewImageURL  *string `db:"preview_image_url" json:"preview_image_url,omitempty"`

	// Set only on transition to failed
	FailureReason *string `db:"failure_reason" json:"failure_reason,omitempty"`
	ErrorCode     *string `db:"error_code" json:"error_code,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// IsTerminal reports whether no further state transitions are permitted.
func (t *VideoTask) IsTerminal() bool {
	return t.State == StateCompleted || t.State == StateFailed
}
