package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
	"github.com/kaonis/woly-server-sub003/server/internal/repositories"
)

// WebhookHandler serves webhook subscription CRUD and the delivery log.
// Secrets are write-only: they are accepted at creation and never echoed.
type WebhookHandler struct {
	webhooks repositories.WebhookRepository
	logger   *zap.Logger
}

func NewWebhookHandler(webhooks repositories.WebhookRepository, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhooks: webhooks,
		logger:   logger.Named("api.webhooks"),
	}
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

type webhookView struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	HasSecret bool      `json:"hasSecret"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewWebhook(wh *db.Webhook) webhookView {
	events := []string{}
	_ = json.Unmarshal([]byte(wh.Events), &events)
	return webhookView{
		ID:        wh.ID,
		URL:       wh.URL,
		Events:    events,
		HasSecret: wh.Secret != "",
		CreatedAt: wh.CreatedAt,
	}
}

// Create handles POST /api/webhooks.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		ErrBadRequest(w, "url must be an absolute http or https URL")
		return
	}
	if len(req.Events) == 0 {
		ErrBadRequest(w, "events must name at least one event or \"*\"")
		return
	}

	events, err := json.Marshal(req.Events)
	if err != nil {
		ErrBadRequest(w, "invalid events list")
		return
	}

	hook := &db.Webhook{URL: req.URL, Events: string(events), Secret: db.EncryptedString(req.Secret)}
	if err := h.webhooks.Create(r.Context(), hook); err != nil {
		h.logger.Error("creating webhook", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusCreated, viewWebhook(hook))
}

// List handles GET /api/webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.webhooks.List(r.Context())
	if err != nil {
		h.logger.Error("listing webhooks", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	out := make([]webhookView, 0, len(hooks))
	for i := range hooks {
		out = append(out, viewWebhook(&hooks[i]))
	}
	JSON(w, http.StatusOK, map[string]any{"webhooks": out, "total": len(out)})
}

// Delete handles DELETE /api/webhooks/{id}. Delivery history goes with it.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	if err := h.webhooks.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("deleting webhook", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	NoContent(w)
}

// Deliveries handles GET /api/webhooks/{id}/deliveries?limit=n.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid webhook id")
		return
	}
	if _, err := h.webhooks.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("loading webhook", zap.Error(err))
		ErrInternal(w, r)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			ErrBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	deliveries, err := h.webhooks.ListDeliveries(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("listing deliveries", zap.Error(err))
		ErrInternal(w, r)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"deliveries": deliveries, "total": len(deliveries)})
}
