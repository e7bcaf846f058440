package billing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/asmrlabs/asmr-api/internal/domain/credit"
	"github.com/asmrlabs/asmr-api/internal/pkg/response"
)

// Handler ingests payment-provider webhooks. Checkout itself lives in the
// billing service; the only side effect handled here is the credit grant.
type Handler struct {
	credits credit.Service
	secret  string
}

func NewHandler(credits credit.Service, secret string) *Handler {
	return &Handler{credits: credits, secret: secret}
}

type creditGrantPayload struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	Credits     int    `json:"credits"`
	Description string `json:"description"`
	Bonus       bool   `json:"bonus"`
}

// CreditGrant handles POST /webhooks/billing
//
// Idempotent per payment_id: the payment provider retries on its own schedule
// and must never grant the same purchase twice.
// @Summary Billing webhook: credit purchase completed
// @Tags Billing Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /webhooks/billing [post]
func (h *Handler) CreditGrant(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		response.BadRequest(w, "unreadable body")
		return
	}

	if !VerifySignature(body, r.Header.Get("X-Signature"), h.secret) {
		response.Unauthorized(w, "invalid signature")
		return
	}

	var p creditGrantPayload
	if err := json.Unmarshal(body, &p); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	userID, err := uuid.Parse(p.UserID)
	if err != nil || p.PaymentID == "" || p.Credits <= 0 {
		response.BadRequest(w, "payment_id, user_id and a positive credits amount are required")
		return
	}

	txType := credit.TxTypePurchase
	if p.Bonus {
		txType = credit.TxTypeBonus
	}

	description := p.Description
	if description == "" {
		description = "credit purchase"
	}

	applied, err := h.credits.Grant(r.Context(), userID, p.Credits, txType, credit.TransactionMeta{
		RelatedTaskID: p.PaymentID,
		Description:   description,
	})
	if err != nil {
		log.Error().Err(err).
			Str("payment_id", p.PaymentID).
			Str("user_id", p.UserID).
			Msg("credit grant failed")
		response.InternalError(w)
		return
	}

	if !applied {
		log.Info().Str("payment_id", p.PaymentID).Msg("duplicate billing webhook, grant already applied")
	}

	response.OK(w, map[string]string{"status": "ok"})
}

// WebhookRoutes returns the billing webhook router (no auth, signature verified)
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreditGrant)
	return r
}
