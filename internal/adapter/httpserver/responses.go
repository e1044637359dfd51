// Package httpserver contains HTTP handlers and middleware.
//
// It maps the engine operations onto the REST surface and keeps a clear
// separation between HTTP concerns and broker logic.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/relay/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// lockLostBody is the fencing contract: consumers key off this exact shape.
type lockLostBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	if errors.Is(err, domain.ErrLockLost) {
		writeJSON(w, http.StatusConflict, lockLostBody{Error: "LOCK_LOST", Message: err.Error()})
		return
	}
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrQueueNotFound):
		code = http.StatusNotFound
		codeStr = "QUEUE_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyExists):
		code = http.StatusConflict
		codeStr = "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrCancelled):
		code = 499 // client closed request
		codeStr = "CANCELLED"
	case errors.Is(err, domain.ErrStoreFailure), errors.Is(err, domain.ErrStoreTransient):
		code = http.StatusInternalServerError
		codeStr = "STORE_FAILURE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
