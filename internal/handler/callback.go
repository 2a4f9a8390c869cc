package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/service"
)

type callbackDispatcher interface {
	Dispatch(ctx context.Context, raw []byte, cb mpesa.Callback) service.Acknowledgement
}

type CallbackHandler struct {
	dispatcher callbackDispatcher
}

func NewCallbackHandler(dispatcher callbackDispatcher) *CallbackHandler {
	return &CallbackHandler{dispatcher: dispatcher}
}

type callbackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// CallbackAccepted is returned to the gateway when a callback could not be
// processed in-line. The stored event, or the error log, is what gets
// reconciled afterwards.
var CallbackAccepted = callbackResponse{Success: true, Message: "Callback received"}

// MpesaCallback receives STK push results. Anything structurally valid is
// acknowledged with 200 so the gateway stops retrying; processing failures
// are kept for replay instead of being reported back.
func (h *CallbackHandler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read callback body", "error", err)
		RespondJSON(w, http.StatusBadRequest, callbackResponse{Message: "Invalid callback data"})
		return
	}

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Warn("malformed mpesa callback", "error", err)
		RespondJSON(w, http.StatusBadRequest, callbackResponse{Message: "Invalid callback data"})
		return
	}

	ack := h.dispatcher.Dispatch(r.Context(), body, cb)
	RespondJSON(w, http.StatusOK, ack)
}
