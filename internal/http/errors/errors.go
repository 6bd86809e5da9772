package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes {"error": message} with the given status.
func Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// InternalError logs err with the request ID and returns a generic 500.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	LogError(r, message, err)
	Error(w, r, http.StatusInternalServerError, "internal server error")
}

// BadRequestError logs err at warn level and returns clientMessage as a 400.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	slog.WarnContext(r.Context(), "bad request", requestAttr(r), slog.Any("error", err))
	Error(w, r, http.StatusBadRequest, clientMessage)
}

func LogError(r *http.Request, message string, err error) {
	slog.ErrorContext(r.Context(), message, requestAttr(r), slog.Any("error", err))
}

func requestAttr(r *http.Request) slog.Attr {
	return slog.String("request_id", middleware.GetReqID(r.Context()))
}
