package server

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pquerna/otp"

	"github.com/personal-tiny-cloud/tcloud/app/events"
	"github.com/personal-tiny-cloud/tcloud/app/server/session"
	"github.com/personal-tiny-cloud/tcloud/app/totp"
)

// totpQRSize is the pixel size of enrolment QR codes returned by the API.
const totpQRSize = 256

// handleInfo is GET /api/info, the only endpoint that ignores identity
// entirely. It describes the server and lists every registered plugin,
// admin-only ones included; hiding applies to calls, not to the catalog.
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	rest.RenderJSON(w, rest.JSON{
		"name":        s.ServerName,
		"version":     s.Version,
		"description": s.Description,
		"source":      sourceURL,
		"plugins":     s.Plugins.Infos(),
	})
}

// handleRegister is POST /api/auth/register. A valid registration token buys
// one account; the response carries the TOTP enrolment secret and the fresh
// session cookie.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Token    string `json:"token"`
		TotpAsQR bool   `json:"totp_as_qr"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	key, userid, err := s.Auth.Register(r.Context(), req.User, req.Password, req.Token)
	if err != nil {
		log.Printf("[WARN] registration for %q from %s failed: %v", req.User, clientIP(r), err)
		sendError(w, r, err)
		return
	}
	if err = s.Sessions.Issue(w, userid); err != nil {
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] registered user %q from %s", req.User, clientIP(r))
	s.publish(events.ActionUserRegistered, req.User, "")

	s.renderTotpKey(w, r, key, req.TotpAsQR)
}

// handleLogin is POST /api/auth/login: password plus TOTP, then a cookie.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
		Totp     string `json:"totp"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	userid, err := s.Auth.Login(r.Context(), req.User, req.Password, req.Totp)
	if err != nil {
		log.Printf("[WARN] login for %q from %s failed: %v", req.User, clientIP(r), err)
		s.publish(events.ActionLoginFailed, req.User, "")
		sendError(w, r, err)
		return
	}
	if err = s.Sessions.Issue(w, userid); err != nil {
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] user %q logged in from %s", req.User, clientIP(r))
	s.publish(events.ActionLogin, req.User, "")
	w.WriteHeader(http.StatusOK)
}

// handleLogout drops the cookie. Other sessions stay alive.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// handleLogoutAll rotates the sessionid, killing every cookie ever minted
// for this account, the calling one included.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if err := s.Auth.LogoutAll(r.Context(), session.From(r.Context()).UserID); err != nil {
		sendError(w, r, err)
		return
	}
	u := currentUser(r)
	log.Printf("[INFO] user %q logged out everywhere", u.Username)
	s.publish(events.ActionSessionsRotated, u.Username, "logout all")
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// handleDeleteAccount removes the account behind the session. No password
// re-check: holding a live session is the proof of ownership here. The data
// tree is cleaned up in the background.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	if err := s.Auth.Delete(r.Context(), session.From(r.Context()).UserID); err != nil {
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] deleted account %q", u.Username)
	s.publish(events.ActionUserDeleted, u.Username, "")
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// handleChangePwd is POST /api/auth/changepwd. The caller proves ownership
// with exactly one of the old password or an admin-issued reset token bound
// to their username. The password path rotates the sessionid, so the caller
// must log in again; the token path keeps the session.
func (s *Server) handleChangePwd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewPassword string  `json:"new_password"`
		OldPassword *string `json:"oldpassword"`
		Token       *string `json:"token"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}
	if (req.OldPassword == nil) == (req.Token == nil) {
		sendError(w, r, &requestError{msg: "exactly one of oldpassword or token must be set"})
		return
	}

	u, userid := currentUser(r), session.From(r.Context()).UserID
	if req.Token != nil {
		if err := s.Auth.ChangePwdWithToken(r.Context(), userid, *req.Token, req.NewPassword); err != nil {
			sendError(w, r, err)
			return
		}
		log.Printf("[INFO] user %q changed password with a reset token", u.Username)
		s.publish(events.ActionTokenConsumed, u.Username, "password change")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.Auth.ChangePwd(r.Context(), userid, *req.OldPassword, req.NewPassword); err != nil {
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] user %q changed password", u.Username)
	s.publish(events.ActionSessionsRotated, u.Username, "password change")
	s.Sessions.Clear(w)
	w.WriteHeader(http.StatusOK)
}

// handleResetPwd is POST /api/auth/resetpwd, the sessionless recovery path.
// The reset token is checked before anything else so the endpoint cannot be
// used to probe for usernames.
func (s *Server) handleResetPwd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User        string `json:"user"`
		NewPassword string `json:"new_password"`
		Token       string `json:"token"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	if err := s.Auth.ResetPwd(r.Context(), req.User, req.Token, req.NewPassword); err != nil {
		log.Printf("[WARN] password reset for %q from %s failed: %v", req.User, clientIP(r), err)
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] password reset for %q from %s", req.User, clientIP(r))
	s.publish(events.ActionTokenConsumed, req.User, "password reset")
	w.WriteHeader(http.StatusOK)
}

// handleChangeTotp re-enrolls the second factor after a password re-check.
// The sessionid rotates, so the fresh secret in the response is only good
// together with a new login.
func (s *Server) handleChangeTotp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
		TotpAsQR bool   `json:"totp_as_qr"`
	}
	if err := s.decodeJSON(w, r, &req); err != nil {
		sendError(w, r, err)
		return
	}

	u, userid := currentUser(r), session.From(r.Context()).UserID
	key, err := s.Auth.ChangeTotp(r.Context(), userid, req.Password)
	if err != nil {
		sendError(w, r, err)
		return
	}
	log.Printf("[INFO] user %q re-enrolled totp", u.Username)
	s.publish(events.ActionSessionsRotated, u.Username, "totp change")
	s.Sessions.Clear(w)

	s.renderTotpKey(w, r, key, req.TotpAsQR)
}

// renderTotpKey answers an enrolment request with the otpauth URL or, on
// request, a base64 PNG of its QR code.
func (s *Server) renderTotpKey(w http.ResponseWriter, r *http.Request, key *otp.Key, asQR bool) {
	if !asQR {
		rest.RenderJSON(w, rest.JSON{"totp_url": key.URL()})
		return
	}
	qr, err := totp.QRBase64(key, totpQRSize)
	if err != nil {
		sendError(w, r, err)
		return
	}
	rest.RenderJSON(w, rest.JSON{"totp_qr": qr})
}
