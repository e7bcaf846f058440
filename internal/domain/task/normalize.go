package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome is the normalized terminal outcome of a provider notification.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// NormalizedResult is the canonical representation every provider payload is
// mapped to before it touches the task store.
type NormalizedResult struct {
	TaskID       string
	Outcome      Outcome
	VideoURL     string
	ThumbnailURL string
	Resolution   string
	ErrorMessage string
	Category     FailureCategory
	ErrorCode    int
}

// legacyPayload is the flat callback shape used by Runway and older
// integrations: data.task_id / data.video_url.
type legacyPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID   string `json:"task_id"`
		VideoID  string `json:"video_id"`
		VideoURL string `json:"video_url"`
		ImageURL string `json:"image_url"`
	} `json:"data"`
}

// veoPayload is the nested VEO3 callback shape: data.taskId with a result
// array under data.info.
type veoPayload struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
		Info   struct {
			ResultURLs []string `json:"resultUrls"`
			OriginURLs []string `json:"originUrls"`
			Resolution string   `json:"resolution"`
		} `json:"info"`
		FallbackFlag bool `json:"fallbackFlag"`
	} `json:"data"`
}

// Normalize maps a raw provider payload to the canonical result. The provider
// is an explicit discriminator from the routing layer, never inferred from the
// payload shape. The only hard-required field is the task ID.
func Normalize(provider Provider, raw []byte) (NormalizedResult, error) {
	switch provider {
	case ProviderVeo3:
		return normalizeVeo(raw)
	case ProviderRunway, ProviderLegacy:
		return normalizeLegacy(raw)
	default:
		return NormalizedResult{}, fmt.Errorf("%w: unknown provider %q", ErrMalformedPayload, provider)
	}
}

func normalizeVeo(raw []byte) (NormalizedResult, error) {
	var p veoPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return NormalizedResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Data.TaskID == "" {
		return NormalizedResult{}, fmt.Errorf("%w: missing task id", ErrMalformedPayload)
	}

	n := NormalizedResult{
		TaskID:    p.Data.TaskID,
		ErrorCode: p.Code,
	}

	if p.Code != 200 {
		n.Outcome = OutcomeFailure
		n.ErrorMessage = p.Msg
		n.Category = classifyFailure(p.Code, p.Msg)
		return n, nil
	}

	if len(p.Data.Info.ResultURLs) == 0 {
		// Success code without a playable result is never propagated as completed
		n.Outcome = OutcomeFailure
		n.ErrorMessage = "missing result URL"
		n.Category = FailureServerError
		return n, nil
	}

	n.Outcome = OutcomeSuccess
	n.VideoURL = p.Data.Info.ResultURLs[0]
	if len(p.Data.Info.OriginURLs) > 0 {
		n.ThumbnailURL = p.Data.Info.OriginURLs[0]
	}
	n.Resolution = p.Data.Info.Resolution
	return n, nil
}

func normalizeLegacy(raw []byte) (NormalizedResult, error) {
	var p legacyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return NormalizedResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Data.TaskID == "" {
		return NormalizedResult{}, fmt.Errorf("%w: missing task id", ErrMalformedPayload)
	}

	n := NormalizedResult{
		TaskID:    p.Data.TaskID,
		ErrorCode: p.Code,
	}

	if p.Code != 200 {
		n.Outcome = OutcomeFailure
		n.ErrorMessage = p.Msg
		n.Category = classifyFailure(p.Code, p.Msg)
		return n, nil
	}

	if p.Data.VideoURL == "" {
		n.Outcome = OutcomeFailure
		n.ErrorMessage = "missing result URL"
		n.Category = FailureServerError
		return n, nil
	}

	n.Outcome = OutcomeSuccess
	n.VideoURL = p.Data.VideoURL
	n.ThumbnailURL = p.Data.ImageURL
	return n, nil
}

// classifyFailure maps provider error codes/messages to the fixed set of
// user-visible failure categories. Substring matching against known phrases is
// best effort; unknown 5xx codes fall back to server_error, everything else to
// invalid_request.
func classifyFailure(code int, msg string) FailureCategory {
	m := strings.ToLower(msg)

	switch {
	case strings.Contains(m, "inappropriate"),
		strings.Contains(m, "content policy"),
		strings.Contains(m, "policy violation"),
		strings.Contains(m, "flagged"):
		return FailureContentPolicy
	case strings.Contains(m, "quota"),
		strings.Contains(m, "limit"),
		strings.Contains(m, "credit"):
		return FailureQuotaExceeded
	case strings.Contains(m, "format"),
		strings.Contains(m, "aspect"),
		strings.Contains(m, "resolution"),
		strings.Contains(m, "unsupported"):
		return FailureInvalidFormat
	}

	if code >= 500 {
		return FailureServerError
	}
	return FailureInvalidInput
}
