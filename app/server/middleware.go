package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/personal-tiny-cloud/tcloud/app/auth"
	"github.com/personal-tiny-cloud/tcloud/app/server/session"
	"github.com/personal-tiny-cloud/tcloud/app/store"
)

type userKey struct{}

// withUser parks the validated account on the request context.
func withUser(ctx context.Context, u *store.Userinfo) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// currentUser returns the validated account, nil for anonymous requests.
func currentUser(r *http.Request) *store.Userinfo {
	u, _ := r.Context().Value(userKey{}).(*store.Userinfo)
	return u
}

// validate upgrades a structurally valid cookie to a store-checked account.
// A signed cookie whose sessionid was rotated away, or whose account is
// gone, is cleared and rejected here; that is what makes logout-all stick.
// Requests without a usable cookie continue as anonymous.
func (s *Server) validate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := session.From(r.Context())
		if id.State != session.StateValid {
			next.ServeHTTP(w, r)
			return
		}
		info, err := s.Auth.Validate(r.Context(), id.UserID)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidSession) {
				s.Sessions.Clear(w)
			}
			sendError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), &info)))
	})
}

// requireSession rejects anonymous callers.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == nil {
			sendError(w, r, auth.ErrInvalidSession)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tokenGate lets only admins through to token administration. A valid
// non-admin session gets a bare 403, anonymous callers the usual 401 body.
func (s *Server) tokenGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := currentUser(r)
		if u == nil {
			sendError(w, r, auth.ErrInvalidSession)
			return
		}
		if !u.IsAdmin {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// eventsGate hides the admin stream: to anyone but an admin the route looks
// unmounted.
func (s *Server) eventsGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := currentUser(r); u == nil || !u.IsAdmin {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP reports the caller's address for logging. Behind a proxy the
// RealIP middleware has already rewritten RemoteAddr to the end client.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
