// Package totp handles TOTP enrolment and verification. The store keeps
// the full otpauth:// URL per user, so issuer, account and secret travel
// together and survive issuer renames for existing users.
package totp

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrInvalidCode is returned when the submitted code does not match the
// current time window.
var ErrInvalidCode = errors.New("invalid totp code")

// Service generates and checks TOTP enrolments for one issuer.
type Service struct {
	issuer string
}

// New creates a TOTP service. The issuer is shown by authenticator apps;
// pass it with colons already stripped since they separate fields in
// otpauth URLs.
func New(issuer string) *Service {
	return &Service{issuer: issuer}
}

// Generate enrols a user: fresh 16-byte secret, RFC 6238 defaults (SHA1,
// 6 digits, 30s period). The key's URL string is what gets persisted.
func (s *Service) Generate(username string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: username,
		SecretSize:  16,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp key: %w", err)
	}
	return key, nil
}

// Check validates a code against the stored enrolment URL for the current
// time window (one period of skew either way).
func (s *Service) Check(url, code string) error {
	key, err := otp.NewKeyFromURL(url)
	if err != nil {
		return fmt.Errorf("parse totp url: %w", err)
	}
	if !totp.Validate(code, key.Secret()) {
		return ErrInvalidCode
	}
	return nil
}

// QRPNG renders the enrolment QR code as a size x size PNG.
func QRPNG(key *otp.Key, size int) ([]byte, error) {
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("render totp qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode totp qr: %w", err)
	}
	return buf.Bytes(), nil
}

// QRBase64 renders the enrolment QR code as base64 PNG for JSON payloads.
func QRBase64(key *otp.Key, size int) (string, error) {
	b, err := QRPNG(key, size)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
