package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"advisor/pkg/advisor"
)

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.core.Status())
}

func (h *handler) getQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	quote, err := h.core.GetQuote(r.Context(), symbol)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, quote)
}

func (h *handler) getProfile(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	profile, err := h.core.GetProfile(r.Context(), symbol)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, profile)
}

func (h *handler) markViewed(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if err := h.core.MarkViewed(symbol); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err)
		return
	}
	writeSuccess(w, map[string]string{"symbol": symbol})
}

func (h *handler) getRecommendations(w http.ResponseWriter, r *http.Request) {
	var payload advisor.RecommendationRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeErrorResponse(w, http.StatusBadRequest,
			advisor.WrapError(advisor.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	result, err := h.core.GetRecommendations(r.Context(), payload)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err)
		return
	}
	writeSuccess(w, result)
}

// Helpers.

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}
