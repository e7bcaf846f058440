package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"github.com/asmrlabs/asmr-api/internal/domain/task"
	"github.com/asmrlabs/asmr-api/internal/pkg/storage"
	"github.com/asmrlabs/asmr-api/internal/pkg/tasklock"
)

const (
	processTimeout  = 5 * time.Minute
	maxDownloadSize = 512 << 20 // 512 MiB
	previewWidth    = 320
	previewHeight   = 180
)

// MediaUpdater persists the re-hosted URLs back onto the task record.
type MediaUpdater interface {
	UpdateRehostedMedia(ctx context.Context, taskID, videoURL, thumbURL, previewURL string) error
}

// Rehoster copies provider-hosted result media into our own bucket after a
// task completes. Provider URLs expire; ours do not.
//
// Launch is fire-and-forget: it runs after the webhook ack and its failures
// only log. The Redis lease keyed by task ID keeps concurrent poll/webhook
// observers of the same completion from re-hosting twice.
type Rehoster struct {
	store  storage.MediaStore
	repo   MediaUpdater
	locker *tasklock.Locker
	http   *http.Client
}

func NewRehoster(store storage.MediaStore, repo MediaUpdater, locker *tasklock.Locker) *Rehoster {
	return &Rehoster{
		store:  store,
		repo:   repo,
		locker: locker,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Launch satisfies task.Media. Never blocks the caller.
func (r *Rehoster) Launch(t *task.VideoTask) {
	if t == nil || t.VideoURL == nil {
		return
	}

	snapshot := *t
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
		defer cancel()

		if err := r.process(ctx, &snapshot); err != nil {
			log.Error().Err(err).Str("task_id", snapshot.TaskID).Msg("media re-hosting failed")
		}
	}()
}

func (r *Rehoster) process(ctx context.Context, t *task.VideoTask) error {
	lease, ok, err := r.locker.Acquire(ctx, t.TaskID)
	if err != nil {
		return fmt.Errorf("acquire media lease: %w", err)
	}
	if !ok {
		log.Debug().Str("task_id", t.TaskID).Msg("media re-hosting already in progress elsewhere")
		return nil
	}
	defer lease.Release(ctx)

	video, err := r.download(ctx, *t.VideoURL)
	if err != nil {
		return fmt.Errorf("download video: %w", err)
	}

	videoKey := "videos/" + t.TaskID + ".mp4"
	if err := r.store.Put(ctx, videoKey, bytes.NewReader(video), "video/mp4"); err != nil {
		return err
	}

	var thumbKey, previewKey string
	if t.ThumbnailURL != nil && *t.ThumbnailURL != "" {
		thumb, err := r.download(ctx, *t.ThumbnailURL)
		if err != nil {
			log.Warn().Err(err).Str("task_id", t.TaskID).Msg("thumbnail download failed, keeping video only")
		} else {
			thumbKey = "thumbs/" + t.TaskID + ".jpg"
			if err := r.store.Put(ctx, thumbKey, bytes.NewReader(thumb), "image/jpeg"); err != nil {
				return err
			}

			if preview, err := renderPreview(thumb); err != nil {
				log.Warn().Err(err).Str("task_id", t.TaskID).Msg("preview render failed")
			} else {
				previewKey = "previews/" + t.TaskID + ".jpg"
				if err := r.store.Put(ctx, previewKey, bytes.NewReader(preview), "image/jpeg"); err != nil {
					return err
				}
			}
		}
	}

	var thumbURL, previewURL string
	if thumbKey != "" {
		thumbURL = r.store.PublicURL(thumbKey)
	}
	if previewKey != "" {
		previewURL = r.store.PublicURL(previewKey)
	}

	if err := r.repo.UpdateRehostedMedia(ctx, t.TaskID, r.store.PublicURL(videoKey), thumbURL, previewURL); err != nil {
		return err
	}

	log.Info().
		Str("task_id", t.TaskID).
		Str("video_key", videoKey).
		Msg("result media re-hosted")

	return nil
}

func (r *Rehoster) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
}

// renderPreview downsizes the provider thumbnail for list views.
func renderPreview(thumb []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(thumb))
	if err != nil {
		return nil, err
	}

	preview := imaging.Fit(img, previewWidth, previewHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, preview, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
