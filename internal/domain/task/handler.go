package task

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asmrlabs/asmr-api/internal/domain/credit"
	"github.com/asmrlabs/asmr-api/internal/middleware"
	"github.com/asmrlabs/asmr-api/internal/pkg/response"
	"github.com/asmrlabs/asmr-api/internal/pkg/validator"
)

// Handler handles generation HTTP requests and the provider webhook ingress.
type Handler struct {
	svc *Service
	hub *Hub
}

func NewHandler(svc *Service, hub *Hub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Generate handles POST /generate
// @Summary Dispatch a video generation
// @Description Validates the request, reserves credits and dispatches the generation to the configured provider
// @Tags Generation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body GenerateRequest true "Generation parameters"
// @Success 200 {object} response.Response{data=GenerateResponse}
// @Failure 400 {object} response.Response
// @Failure 402 {object} response.Response
// @Router /generate [post]
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	if fieldErrors := validator.Validate(req); fieldErrors != nil {
		response.ValidationError(w, fieldErrors)
		return
	}

	t, cost, err := h.svc.RequestGeneration(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCombination):
			response.Error(w, http.StatusBadRequest, "INVALID_COMBINATION", "requested duration/quality combination is not offered")
		case errors.Is(err, credit.ErrInsufficientCredits):
			response.PaymentRequired(w, "INSUFFICIENT_CREDITS", "not enough credits for this generation")
		case errors.Is(err, ErrProviderDispatch):
			// Credits already returned; the client may retry
			response.Error(w, http.StatusBadGateway, "PROVIDER_DISPATCH_FAILED", "provider rejected the generation, credits were not consumed")
		default:
			log.Error().Err(err).Msg("generation request failed")
			response.InternalError(w)
		}
		return
	}

	remaining, err := h.svc.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("balance lookup failed after dispatch")
	}

	response.OK(w, GenerateResponse{
		TaskID:           t.TaskID,
		Status:           string(t.State),
		CreditsDeducted:  cost,
		RemainingCredits: remaining,
		EstimatedTime:    EstimatedTime(t.Duration, t.Quality).String(),
	})
}

// Status handles GET /generate/status?taskId=...
// @Summary Task status (polling fallback)
// @Description Returns the stored task state; while non-terminal the provider is queried through the same ingestion path as webhooks
// @Tags Generation
// @Produce json
// @Param taskId query string true "Provider task ID"
// @Success 200 {object} response.Response{data=StatusResponse}
// @Failure 404 {object} response.Response
// @Router /generate/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		response.BadRequest(w, "taskId is required")
		return
	}

	t, err := h.svc.GetStatus(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(w, "unknown task")
			return
		}
		log.Error().Err(err).Str("task_id", taskID).Msg("status lookup failed")
		response.InternalError(w)
		return
	}

	response.OK(w, statusResponseFrom(t))
}

// History handles GET /generate/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	limit := 20
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	tasks, err := h.svc.ListHistory(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, tasks)
}

// Webhook handles POST /webhooks/generate/{provider}
//
// The response is always {status:"received"} with HTTP 200 once the body
// parses as JSON: providers disable callback sources that keep failing, so
// unusable payloads are logged and dropped, never surfaced as errors. Only a
// body that is not JSON at all gets a 400.
// @Summary Provider completion webhook
// @Tags Generation Webhooks
// @Accept json
// @Produce json
// @Param provider path string true "Provider (veo3, runway, legacy)"
// @Success 200 {object} map[string]string
// @Failure 400 {object} response.Response
// @Router /webhooks/generate/{provider} [post]
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	provider, ok := ParseProvider(providerName)
	if !ok {
		response.BadRequest(w, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	if !json.Valid(body) {
		response.BadRequest(w, "body is not valid JSON")
		return
	}

	if err := h.svc.IngestNotification(r.Context(), provider, body); err != nil {
		// Storage-level failure: still ack to stop provider retries, but loudly
		log.Error().Err(err).Str("provider", providerName).Msg("webhook ingestion failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "received"})
}

// Subscribe handles GET /generate/subscribe?taskId=... (WebSocket)
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		response.NotFound(w, "realtime updates disabled")
		return
	}

	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		response.BadRequest(w, "taskId is required")
		return
	}

	h.hub.ServeWS(w, r, taskID)
}

// Routes returns the authenticated generation router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/", h.Generate)
		r.Get("/history", h.History)
	})

	// Polling and realtime updates only need the task ID
	r.Get("/status", h.Status)
	r.Get("/subscribe", h.Subscribe)

	return r
}

// WebhookRoutes returns the webhook router (no auth)
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate/{provider}", h.Webhook)
	return r
}
