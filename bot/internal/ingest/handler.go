package ingest

import (
	"crypto/subtle"
	"io"
	"net/http"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/common/httputil"
	"github.com/ketobot/ketobot-stack/common/logging"
)

// SecretHeader carries the secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBodyBytes = 1 << 20

// WebhookHandler serves POST /webhook. Telegram redelivers anything that is
// not answered with 200, so only infrastructure errors return 500.
type WebhookHandler struct {
	service *Service
	secret  string
	logger  *logging.Logger
	now     func() time.Time
}

func NewWebhookHandler(service *Service, secret string, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{service: service, secret: secret, logger: logger, now: time.Now}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.WarnContext(r.Context(), "webhook_secret_mismatch")
			httputil.WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	defer r.Body.Close()

	update, err := ParseUpdate(body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook_invalid_body", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "invalid update")
		return
	}

	event, ok := update.ToEvent(body, h.now().UTC())
	if !ok {
		metrics.EventsIngested.WithLabelValues(string(OutcomeIgnored)).Inc()
		h.logger.DebugContext(r.Context(), "webhook_update_ignored", "update_id", update.UpdateID)
		httputil.WriteOK(w)
		return
	}

	if _, err := h.service.Ingest(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook_ingest_failed",
			logging.EventID(event.EventID),
			logging.Error(err),
		)
		httputil.WriteError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	httputil.WriteOK(w)
}
