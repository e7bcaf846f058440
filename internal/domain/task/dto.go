package task

// GenerateRequest is the client-facing generation request body.
type GenerateRequest struct {
	Prompt      string   `json:"prompt" validate:"required,min=3,max=2000"`
	Triggers    []string `json:"triggers" validate:"omitempty,max=10,dive,min=1,max=64"`
	Duration    int      `json:"duration" validate:"required,video_duration"`
	Quality     string   `json:"quality" validate:"required,video_quality"`
	AspectRatio string   `json:"aspect_ratio" validate:"omitempty,aspect_ratio"`
	Provider    string   `json:"provider" validate:"omitempty,oneof=veo3 runway"`
}

// GenerateResponse confirms an accepted dispatch.
type GenerateResponse struct {
	TaskID           string `json:"taskId"`
	Status           string `json:"status"`
	CreditsDeducted  int    `json:"creditsDeducted"`
	RemainingCredits int    `json:"remainingCredits"`
	EstimatedTime    string `json:"estimatedTime"`
}

// StatusResult is the playable output section of a status response.
type StatusResult struct {
	VideoURL     string `json:"videoUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Resolution   string `json:"resolution,omitempty"`
}

// StatusResponse answers the polling fallback endpoint.
type StatusResponse struct {
	TaskID string        `json:"taskId"`
	Status string        `json:"status"`
	Result *StatusResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func statusResponseFrom(t *VideoTask) StatusResponse {
	resp := StatusResponse{
		TaskID: t.TaskID,
		Status: string(t.State),
	}

	if t.State == StateCompleted && t.VideoURL != nil {
		resp.Result = &StatusResult{VideoURL: *t.VideoURL}
		if t.ThumbnailURL != nil {
			resp.Result.ThumbnailURL = *t.ThumbnailURL
		}
		if t.Resolution != nil {
			resp.Result.Resolution = *t.Resolution
		}
		// Prefer re-hosted copies once the media continuation has run
		if t.RehostedVideoURL != nil {
			resp.Result.VideoURL = *t.RehostedVideoURL
		}
		if t.RehostedThumbURL != nil {
			resp.Result.ThumbnailURL = *t.RehostedThumbURL
		}
	}

	if t.State == StateFailed && t.FailureReason != nil {
		resp.Error = *t.FailureReason
	}

	return resp
}
