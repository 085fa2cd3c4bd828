package tcloud

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Wire error categories returned by the server.
const (
	CategoryAuth    = "AuthError"
	CategoryToken   = "TokenError"
	CategoryRequest = "RequestError"
	CategoryPlugin  = "PluginError"
)

// APIError is a failed API call. Category, Type and Msg come from the wire
// error body; they stay empty for bodyless failures such as the hidden 404
// on unknown or admin-only plugins.
type APIError struct {
	Status   int    // HTTP status code
	Category string `json:"error"`
	Type     string `json:"type"`
	Msg      string `json:"msg"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("tcloud: HTTP %d", e.Status)
	}
	if e.Msg == "" {
		return fmt.Sprintf("tcloud: HTTP %d %s/%s", e.Status, e.Category, e.Type)
	}
	return fmt.Sprintf("tcloud: HTTP %d %s/%s: %s", e.Status, e.Category, e.Type, e.Msg)
}

// checkResponse converts a non-2xx response into *APIError, decoding the
// wire error body when one is present.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, apiErr) // bodyless and non-JSON failures keep the bare status
	}
	return apiErr
}
