// Package session mints and resolves the signed identity cookie. The cookie
// value is a compact JWT carrying the userid plus login and last-visit
// timestamps; revocation is handled server-side by the sessionid embedded in
// the userid, so the cookie only has to bind those claims to the secret key.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/golang-jwt/jwt/v5"

	"github.com/personal-tiny-cloud/tcloud/app/server/internal/cookie"
)

// State classifies the session attached to a request.
type State int

// Session states, from "nothing presented" to "usable identity".
const (
	StateNone    State = iota // no session cookie on the request
	StateLost                 // cookie present but unreadable, cleared
	StateExpired              // cookie authentic but past a deadline, cleared
	StateValid                // cookie authentic and within all deadlines
)

// String returns a human-readable state name for logs.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateLost:
		return "lost"
	case StateExpired:
		return "expired"
	case StateValid:
		return "valid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// claims is the cookie payload. LoginAt anchors the absolute session
// deadline, VisitAt the inactivity deadline; both are unix seconds.
type claims struct {
	UserID  string `json:"uid"`
	LoginAt int64  `json:"lat"`
	VisitAt int64  `json:"vat"`
	jwt.RegisteredClaims
}

// Service signs and verifies session cookies.
type Service struct {
	secret    []byte
	cookieTTL time.Duration // lifetime of a single minted cookie
	loginTTL  time.Duration // absolute deadline since login, 0 disables
	visitTTL  time.Duration // inactivity deadline, 0 disables
	secure    bool          // serve __Host- cookie with the Secure flag
}

// New creates a session service. cookieTTL bounds each minted cookie,
// loginTTL and visitTTL are optional deadlines (zero disables them).
// When secure is set the cookie uses the __Host- name and Secure flag,
// which requires the server to actually run TLS.
func New(secret []byte, cookieTTL, loginTTL, visitTTL time.Duration, secure bool) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret too short: %d bytes, need at least 32", len(secret))
	}
	if cookieTTL < time.Minute {
		return nil, fmt.Errorf("cookie lifetime too short: %s", cookieTTL)
	}
	if loginTTL < 0 || visitTTL < 0 {
		return nil, fmt.Errorf("session deadlines can't be negative")
	}
	return &Service{secret: secret, cookieTTL: cookieTTL, loginTTL: loginTTL, visitTTL: visitTTL, secure: secure}, nil
}

// Issue starts a fresh session for userid and sets the cookie on w.
func (s *Service) Issue(w http.ResponseWriter, userid string) error {
	now := time.Now()
	return s.write(w, userid, now, now)
}

// Resolve reads the session cookie from r and reports its state. Lost and
// expired cookies are cleared on the way out. When an inactivity deadline is
// configured, a valid session re-mints the cookie so the window slides.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) (userid string, state State) {
	c := readCookie(r)
	if c == nil {
		return "", StateNone
	}

	var cl claims
	_, err := jwt.ParseWithClaims(c.Value, &cl,
		func(_ *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		s.Clear(w)
		return "", StateExpired
	case err != nil:
		log.Printf("[DEBUG] unreadable session cookie: %v", err)
		s.Clear(w)
		return "", StateLost
	}
	if cl.UserID == "" {
		s.Clear(w)
		return "", StateLost
	}

	now := time.Now()
	if s.loginTTL > 0 && now.After(time.Unix(cl.LoginAt, 0).Add(s.loginTTL)) {
		s.Clear(w)
		return "", StateExpired
	}
	if s.visitTTL > 0 {
		if now.After(time.Unix(cl.VisitAt, 0).Add(s.visitTTL)) {
			s.Clear(w)
			return "", StateExpired
		}
		// slide the inactivity window by re-minting with a fresh visit time
		if err := s.write(w, cl.UserID, time.Unix(cl.LoginAt, 0), now); err != nil {
			log.Printf("[WARN] failed to refresh session cookie: %v", err)
		}
	}
	return cl.UserID, StateValid
}

// Clear expires both cookie names on the client, so a cookie minted under a
// different TLS setup can't linger.
func (s *Service) Clear(w http.ResponseWriter) {
	// the __Host- name is only accepted together with the Secure flag
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.NameSecure,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     cookie.NameFallback,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// write mints a cookie with the given identity and timestamps. The JWT
// expiry runs from the visit time so a slide extends it.
func (s *Service) write(w http.ResponseWriter, userid string, loginAt, visitAt time.Time) error {
	cl := claims{
		UserID:  userid,
		LoginAt: loginAt.Unix(),
		VisitAt: visitAt.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(visitAt),
			ExpiresAt: jwt.NewNumericDate(visitAt.Add(s.cookieTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(s.secret)
	if err != nil {
		return fmt.Errorf("failed to sign session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName(),
		Value:    signed,
		Path:     "/",
		MaxAge:   int(s.cookieTTL / time.Second),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Identity is the per-request session resolution result. UserID is only set
// with StateValid.
type Identity struct {
	UserID string
	State  State
}

type ctxKey struct{}

// Middleware resolves the session cookie once per request and parks the
// result in the request context for handlers to read via From.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userid, state := s.Resolve(w, r)
		ctx := context.WithValue(r.Context(), ctxKey{}, Identity{UserID: userid, State: state})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// From returns the identity parked by Middleware, zero value when the
// request never went through it.
func From(ctx context.Context) Identity {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	return id
}

func (s *Service) cookieName() string {
	if s.secure {
		return cookie.NameSecure
	}
	return cookie.NameFallback
}

// readCookie returns the first session cookie present on the request,
// preferring the __Host- name over the fallback.
func readCookie(r *http.Request) *http.Cookie {
	for _, name := range cookie.SessionCookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c
		}
	}
	return nil
}
