package server

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/personal-tiny-cloud/tcloud/app/events"
	"github.com/personal-tiny-cloud/tcloud/app/store"
)

// handleTokenNew is POST /api/token/new. Without a body the token uses the
// configured default lifetime; for_user binds it to one account as a
// password-reset token instead of a registration token.
func (s *Server) handleTokenNew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration *int64  `json:"duration"`
		ForUser  *string `json:"for_user"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if req.Duration != nil && *req.Duration <= 0 {
		sendError(w, r, &requestError{msg: "duration must be a positive number of seconds"})
		return
	}
	if req.ForUser != nil && *req.ForUser == "" {
		sendError(w, r, &requestError{msg: "for_user must not be empty"})
		return
	}

	tok, lifetime, err := s.Tokens.Create(r.Context(), req.Duration, req.ForUser)
	if err != nil {
		sendError(w, r, err)
		return
	}

	admin := currentUser(r)
	detail := "registration token"
	if req.ForUser != nil {
		detail = "reset token for " + *req.ForUser
	}
	log.Printf("[INFO] admin %q created a %s", admin.Username, detail)
	s.publish(events.ActionTokenCreated, admin.Username, detail)

	rest.RenderJSON(w, rest.JSON{"token": tok, "duration": lifetime})
}

// handleTokenList is GET /api/token/list.
func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.Tokens.List(r.Context())
	if err != nil {
		sendError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []store.Token{} // ensure the response is an array, not null
	}
	rest.RenderJSON(w, tokens)
}

// handleTokenDelete is POST /api/token/delete, addressing the token by row
// id or by value.
func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    *int64  `json:"id"`
		Token *string `json:"token"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if req.ID == nil && req.Token == nil {
		sendError(w, r, &requestError{msg: "either id or token must be set"})
		return
	}

	if err := s.Tokens.Remove(r.Context(), req.ID, req.Token); err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
