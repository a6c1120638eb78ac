package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskmarket/backend/internal/apperr"
	"github.com/taskmarket/backend/internal/middleware"
	"github.com/taskmarket/backend/internal/models"
	"github.com/taskmarket/backend/internal/services"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status code. Only server-side failures are
// logged; client errors are expected traffic.
func writeError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}

// decodeBody validates the raw body against schema, then decodes it into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, v *services.Validator, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return false
	}
	if err := v.Validate(schema, body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserIDFromCtx(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return uuid.Nil, false
	}
	return id, true
}

// parseMoney turns a decimal string like "19.99" into minor units.
func parseMoney(amount, currency string) (models.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return models.Money{}, apperr.Validation("invalid amount %q", amount)
	}
	m, err := models.MoneyFromDecimal(d, currency)
	if err != nil {
		return models.Money{}, apperr.Validation("%v", err)
	}
	return m, nil
}
