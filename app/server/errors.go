package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/personal-tiny-cloud/tcloud/app/auth"
	"github.com/personal-tiny-cloud/tcloud/app/token"
)

// errTooLarge rejects bodies over the configured size limits.
var errTooLarge = errors.New("request body too large")

// requestError is malformed client input. The message is safe for the wire.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

// pluginError marks a failure inside plugin code. Unlike other internals its
// message is relayed, so the client can tell which plugin broke.
type pluginError struct {
	err error
}

func (e *pluginError) Error() string { return e.err.Error() }
func (e *pluginError) Unwrap() error { return e.err }

// sendError renders err as the wire error body {"error","type","msg"} and
// logs it. This is the only place response statuses for failures are chosen.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	category, variant, msg, status := classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		log.Printf("[DEBUG] %s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	body := rest.JSON{"error": category, "type": variant}
	if msg != "" {
		body["msg"] = msg
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	rest.RenderJSON(w, body)
}

// classify maps service errors to their wire category, variant and status.
// Anything unrecognized is an internal failure and stays opaque.
func classify(err error) (category, variant, msg string, status int) {
	var badCreds *auth.BadCredentialsError
	var reqErr *requestError
	var plugErr *pluginError

	switch {
	case errors.As(err, &badCreds):
		return "AuthError", "BadCredentials", badCreds.Reason, http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "AuthError", "InvalidCredentials", "", http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidTotp):
		return "AuthError", "InvalidTotp", "", http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidRegCredentials):
		return "AuthError", "InvalidRegCredentials", "", http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidSession):
		return "AuthError", "InvalidSession", "", http.StatusUnauthorized
	case errors.Is(err, token.ErrInvalidPwdToken):
		return "TokenError", "InvalidPwdToken", "", http.StatusForbidden
	case errors.Is(err, token.ErrExpired):
		return "TokenError", "Expired", "", http.StatusGone
	case errors.Is(err, token.ErrNotFound):
		return "TokenError", "NotFound", "", http.StatusNotFound
	case errors.As(err, &plugErr):
		return "PluginError", "Internal", plugErr.Error(), http.StatusInternalServerError
	case errors.Is(err, errTooLarge):
		return "RequestError", "TooLarge", "", http.StatusRequestEntityTooLarge
	case errors.As(err, &reqErr):
		return "RequestError", "BadRequest", reqErr.msg, http.StatusBadRequest
	default:
		return "AuthError", "Internal", "", http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON request body within the payload size limit. An
// empty body decodes into the zero value, which keeps optional-payload
// endpoints working.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.payloadSize())
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errTooLarge
		}
		return &requestError{msg: "malformed json body"}
	}
	return nil
}
