package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// jsonErrorResponse is the error envelope of every endpoint.
type jsonErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// WriteJSONError writes an error response encoded as JSON with the given status.
func WriteJSONError(w http.ResponseWriter, status int, message, details string) {
	writeErrorPayload(w, status, jsonErrorResponse{
		Error:   strings.TrimSpace(message),
		Details: strings.TrimSpace(details),
	})
}

func writeErrorPayload(w http.ResponseWriter, status int, payload jsonErrorResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorKinds maps sentinels to their status and machine-readable code, in
// match order.
var errorKinds = []struct {
	sentinel error
	status   int
	code     string
}{
	{types.ErrAuthenticationFailed, http.StatusUnauthorized, "authentication_failed"},
	{types.ErrForbidden, http.StatusForbidden, "forbidden"},
	{types.ErrNotFound, http.StatusNotFound, "not_found"},
	{types.ErrValidation, http.StatusBadRequest, "validation_error"},
	{types.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{types.ErrConflict, http.StatusConflict, "conflict"},
}

// writeError maps err onto the error envelope. Unexpected errors are
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *types.ValidationError
	if errors.As(err, &ve) {
		writeErrorPayload(w, http.StatusBadRequest, jsonErrorResponse{
			Error:   ve.Message,
			Details: "validation_error",
			Field:   ve.Field,
		})
		return
	}
	var fe *types.ForbiddenError
	if errors.As(err, &fe) {
		WriteJSONError(w, http.StatusForbidden, fe.Error(), "forbidden")
		return
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.sentinel) {
			WriteJSONError(w, k.status, publicMessage(err, k.sentinel), k.code)
			return
		}
	}

	logging.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	WriteJSONError(w, http.StatusInternalServerError, "internal server error", "")
}

// publicMessage strips the sentinel prefix added by fmt.Errorf("%w: ...").
func publicMessage(err, sentinel error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, sentinel.Error()+": "); ok {
		return rest
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
