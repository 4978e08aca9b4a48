package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/enrollio/ma-engine/internal/engine"
	"github.com/enrollio/ma-engine/internal/mailing"
	"github.com/enrollio/ma-engine/internal/pkg/logger"
)

// transparentGIF is a 1x1 transparent pixel served to mail clients.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingHandler serves the signed open-pixel and unsubscribe URLs.
type TrackingHandler struct {
	store             *engine.SQLStore
	trackingSecret    string
	unsubscribeSecret string
}

func NewTrackingHandler(store *engine.SQLStore, trackingSecret, unsubscribeSecret string) *TrackingHandler {
	return &TrackingHandler{
		store:             store,
		trackingSecret:    trackingSecret,
		unsubscribeSecret: unsubscribeSecret,
	}
}

// HandleOpen records an email open. It always serves the pixel; a bad
// signature or unknown ID just skips the write so mail clients never see
// an error image.
func (h *TrackingHandler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	defer func() {
		w.Header().Set("Content-Type", "image/gif")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(transparentGIF)
	}()

	id, err := uuid.Parse(chi.URLParam(r, "sendLogID"))
	if err != nil {
		return
	}
	if !mailing.VerifyOpenToken(h.trackingSecret, id, r.URL.Query().Get("sig")) {
		return
	}
	if err := h.store.RecordOpen(r.Context(), id, time.Now()); err != nil {
		logger.Warn("record open", "send_log_id", id, "error", err)
	}
}

// HandleUnsubscribe flags the lead unsubscribed after verifying the
// signed token.
func (h *TrackingHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "leadID"))
	if err != nil {
		http.Error(w, "invalid link", http.StatusBadRequest)
		return
	}
	if !mailing.VerifyUnsubscribeToken(h.unsubscribeSecret, id, r.URL.Query().Get("token")) {
		http.Error(w, "invalid link", http.StatusForbidden)
		return
	}
	if err := h.store.UnsubscribeLead(r.Context(), id); err != nil {
		http.Error(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<html><body><p>配信停止を受け付けました。今後メールは送信されません。</p></body></html>`))
}
