package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	relay "github.com/veylan/relay/internal"
)

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// apiError is the JSON error envelope: a stable code plus a human message.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps a domain error to its HTTP status and envelope. Non-domain
// errors become opaque 500s; their detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	code := relay.ErrorCode(err)
	msg := err.Error()
	if code == relay.ErrServerError.Code {
		slog.Error("internal error", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, errorStatus(err), apiError{Error: code, Message: msg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnauthorized),
		errors.Is(err, relay.ErrInvalidToken),
		errors.Is(err, relay.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrAccountBlocked),
		errors.Is(err, relay.ErrOAuthUser),
		errors.Is(err, relay.ErrDeviceLimit),
		errors.Is(err, relay.ErrDailyLimitReached),
		errors.Is(err, relay.ErrSmartModeNotAvailable):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrEmailExists),
		errors.Is(err, relay.ErrOAuthAccountExists):
		return http.StatusConflict
	case errors.Is(err, relay.ErrNotFound),
		errors.Is(err, relay.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrSlowDown):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrInvalidRequest),
		errors.Is(err, relay.ErrUnsupportedProvider),
		errors.Is(err, relay.ErrUnsupportedModel):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrProviderNotConfigured),
		errors.Is(err, relay.ErrNoProviders):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrProviderError),
		errors.Is(err, relay.ErrAllProvidersFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON parses a request body into v with a size cap.
func decodeJSON(r *http.Request, v any) error {
	const maxBodySize = 10 << 20 // screenshots arrive base64-encoded
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		return relay.ErrInvalidRequest.WithMessage("invalid request body")
	}
	return nil
}
