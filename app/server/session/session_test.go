package session

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-tiny-cloud/tcloud/app/server/internal/cookie"
)

func newTestService(t *testing.T, cookieTTL, loginTTL, visitTTL time.Duration, secure bool) *Service {
	t.Helper()
	svc, err := New(bytes.Repeat([]byte("k"), 64), cookieTTL, loginTTL, visitTTL, secure)
	require.NoError(t, err)
	return svc
}

func issueCookie(t *testing.T, svc *Service, userid string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, svc.Issue(rec, userid))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func resolveCookie(svc *Service, c *http.Cookie) (userid string, state State, rec *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/api/info", http.NoBody)
	if c != nil {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	userid, state = svc.Resolve(rec, req)
	return userid, state, rec
}

// assertCleared checks that the response expires both cookie names.
func assertCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	assert.ElementsMatch(t, []string{cookie.NameSecure, cookie.NameFallback}, []string{cookies[0].Name, cookies[1].Name})
	for _, c := range cookies {
		assert.Empty(t, c.Value)
		assert.Negative(t, c.MaxAge)
	}
}

func TestNew_Validation(t *testing.T) {
	secret := bytes.Repeat([]byte("k"), 64)

	t.Run("short secret rejected", func(t *testing.T) {
		_, err := New([]byte("too short"), time.Hour, 0, 0, false)
		require.ErrorContains(t, err, "secret too short")
	})

	t.Run("tiny cookie lifetime rejected", func(t *testing.T) {
		_, err := New(secret, time.Second, 0, 0, false)
		require.ErrorContains(t, err, "lifetime too short")
	})

	t.Run("negative deadline rejected", func(t *testing.T) {
		_, err := New(secret, time.Hour, -time.Minute, 0, false)
		require.ErrorContains(t, err, "can't be negative")
	})
}

func TestService_IssueResolve(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 0, false)
	c := issueCookie(t, svc, "alice:12345")

	assert.Equal(t, cookie.NameFallback, c.Name)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, int(12*time.Hour/time.Second), c.MaxAge)

	userid, state, rec := resolveCookie(svc, c)
	assert.Equal(t, StateValid, state)
	assert.Equal(t, "alice:12345", userid)
	assert.Empty(t, rec.Result().Cookies(), "no re-mint without a visit deadline")
}

func TestService_Resolve_NoCookie(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 0, false)
	userid, state, rec := resolveCookie(svc, nil)
	assert.Equal(t, StateNone, state)
	assert.Empty(t, userid)
	assert.Empty(t, rec.Result().Cookies(), "nothing presented, nothing to clear")
}

func TestService_Resolve_Lost(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 0, false)

	t.Run("garbage value", func(t *testing.T) {
		userid, state, rec := resolveCookie(svc, &http.Cookie{Name: cookie.NameFallback, Value: "not-a-jwt"})
		assert.Equal(t, StateLost, state)
		assert.Empty(t, userid)
		assertCleared(t, rec)
	})

	t.Run("tampered signature", func(t *testing.T) {
		c := issueCookie(t, svc, "alice:12345")
		tail := c.Value[len(c.Value)-1]
		flipped := byte('A')
		if tail == 'A' {
			flipped = 'B'
		}
		c.Value = c.Value[:len(c.Value)-1] + string(flipped)
		_, state, _ := resolveCookie(svc, c)
		assert.Equal(t, StateLost, state)
	})

	t.Run("signed with another key", func(t *testing.T) {
		other, err := New(bytes.Repeat([]byte("x"), 64), 12*time.Hour, 0, 0, false)
		require.NoError(t, err)
		c := issueCookie(t, other, "alice:12345")
		_, state, _ := resolveCookie(svc, c)
		assert.Equal(t, StateLost, state)
	})
}

func TestService_Resolve_Expired(t *testing.T) {
	svc := newTestService(t, time.Hour, 0, 0, false)

	rec := httptest.NewRecorder()
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, svc.write(rec, "alice:12345", past, past))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	userid, state, rec2 := resolveCookie(svc, cookies[0])
	assert.Equal(t, StateExpired, state)
	assert.Empty(t, userid)
	assertCleared(t, rec2)
}

func TestService_Resolve_LoginDeadline(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 30*time.Minute, 0, false)

	t.Run("within deadline", func(t *testing.T) {
		rec := httptest.NewRecorder()
		loginAt := time.Now().Add(-10 * time.Minute)
		require.NoError(t, svc.write(rec, "alice:12345", loginAt, time.Now()))
		_, state, _ := resolveCookie(svc, rec.Result().Cookies()[0])
		assert.Equal(t, StateValid, state)
	})

	t.Run("past deadline", func(t *testing.T) {
		rec := httptest.NewRecorder()
		loginAt := time.Now().Add(-time.Hour)
		require.NoError(t, svc.write(rec, "alice:12345", loginAt, time.Now()))
		_, state, _ := resolveCookie(svc, rec.Result().Cookies()[0])
		assert.Equal(t, StateExpired, state)
	})
}

func TestService_Resolve_VisitDeadline(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 30*time.Minute, false)

	rec := httptest.NewRecorder()
	require.NoError(t, svc.write(rec, "alice:12345", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)))

	_, state, rec2 := resolveCookie(svc, rec.Result().Cookies()[0])
	assert.Equal(t, StateExpired, state)
	assertCleared(t, rec2)
}

func TestService_Resolve_VisitSlides(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, time.Hour, false)

	rec := httptest.NewRecorder()
	loginAt := time.Now().Add(-30 * time.Minute)
	visitAt := time.Now().Add(-20 * time.Minute)
	require.NoError(t, svc.write(rec, "alice:12345", loginAt, visitAt))

	userid, state, rec2 := resolveCookie(svc, rec.Result().Cookies()[0])
	require.Equal(t, StateValid, state)
	assert.Equal(t, "alice:12345", userid)

	reminted := rec2.Result().Cookies()
	require.Len(t, reminted, 1, "valid session must slide the inactivity window")
	require.Positive(t, reminted[0].MaxAge)

	var cl claims
	_, err := jwt.ParseWithClaims(reminted[0].Value, &cl,
		func(_ *jwt.Token) (any, error) { return svc.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	assert.Equal(t, "alice:12345", cl.UserID)
	assert.Equal(t, loginAt.Unix(), cl.LoginAt, "login time survives the slide")
	assert.Greater(t, cl.VisitAt, visitAt.Unix(), "visit time moves forward")
}

func TestService_SecureCookieName(t *testing.T) {
	secure := newTestService(t, 12*time.Hour, 0, 0, true)
	c := issueCookie(t, secure, "alice:12345")
	assert.Equal(t, cookie.NameSecure, c.Name)
	assert.True(t, c.Secure)

	// resolution accepts either name as long as the signature checks out
	plain := newTestService(t, 12*time.Hour, 0, 0, false)
	userid, state, _ := resolveCookie(plain, c)
	assert.Equal(t, StateValid, state)
	assert.Equal(t, "alice:12345", userid)
}

func TestService_Clear(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 0, false)
	rec := httptest.NewRecorder()
	svc.Clear(rec)
	assertCleared(t, rec)
}

func TestService_Middleware(t *testing.T) {
	svc := newTestService(t, 12*time.Hour, 0, 0, false)

	var seen Identity
	handler := svc.Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = From(r.Context())
	}))

	t.Run("anonymous request", func(t *testing.T) {
		seen = Identity{UserID: "stale"}
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/info", http.NoBody))
		assert.Equal(t, Identity{State: StateNone}, seen)
	})

	t.Run("valid session", func(t *testing.T) {
		c := issueCookie(t, svc, "alice:12345")
		req := httptest.NewRequest(http.MethodGet, "/api/info", http.NoBody)
		req.AddCookie(c)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, Identity{UserID: "alice:12345", State: StateValid}, seen)
	})

	t.Run("broken cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/info", http.NoBody)
		req.AddCookie(&http.Cookie{Name: cookie.NameFallback, Value: "junk"})
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, Identity{State: StateLost}, seen)
		assertCleared(t, rec)
	})
}

func TestFrom_WithoutMiddleware(t *testing.T) {
	assert.Equal(t, Identity{}, From(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "none", StateNone.String())
	assert.Equal(t, "lost", StateLost.String())
	assert.Equal(t, "expired", StateExpired.String())
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "state(42)", State(42).String())
}
