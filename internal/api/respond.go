package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

// ErrorBody is the body of every failed request.
type ErrorBody struct {
	Error        string `json:"error"`
	Reason       string `json:"reason"`
	CurrentState any    `json:"currentState,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIDebug("failed to write response: %v", err)
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindPrecedence, types.KindConflict:
		return http.StatusConflict
	case types.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the structured error body. state overrides the
// state carried by err when non-nil.
func writeError(w http.ResponseWriter, r *http.Request, err error, state any) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	body := ErrorBody{Error: string(kind), Reason: types.ReasonOf(err), CurrentState: state}
	if body.CurrentState == nil {
		body.CurrentState = types.StateOf(err)
	}
	if status == http.StatusInternalServerError {
		logging.Get(logging.CategoryAPI).Error("%s %s: %v", r.Method, r.URL.Path, err)
		body.Reason = "internal error"
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.NewValidationError("decode request", "request body too large")
		}
		return types.NewValidationError("decode request", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewValidationError("parse query", fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}
