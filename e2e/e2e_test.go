//go:build e2e

// Package e2e drives a built tcloud binary through the public API using the
// lib/tcloud client. Run with: go test -tags e2e ./e2e/
package e2e

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/personal-tiny-cloud/tcloud/app/dirs"
	"github.com/personal-tiny-cloud/tcloud/app/hasher"
	"github.com/personal-tiny-cloud/tcloud/app/store"
	apptotp "github.com/personal-tiny-cloud/tcloud/app/totp"
	"github.com/personal-tiny-cloud/tcloud/lib/tcloud"
)

const (
	baseURL    = "http://127.0.0.1:18080/tcloud"
	testDir    = "/tmp/tcloud-e2e-data"
	configPath = "/tmp/tcloud-e2e-config.toml"
	binPath    = "/tmp/tcloud-e2e"

	serverName = "Tiny Cloud"
	adminUser  = "root"
	adminPass  = "admin password 1"
)

var (
	serverCmd    *exec.Cmd
	adminTotpURL string // enrolment URL of the seeded admin account
)

const testConfig = `server_name = "` + serverName + `"
description = "e2e instance"
url_prefix = "tcloud"
data_directory = "` + testDir + `"
session_secret_key_path = "` + testDir + `/secret.key"

[server]
host = "127.0.0.1"
port = 18080
workers = 2

[logging]
stdout_level = "debug"

[registration]
token_size = 16
token_duration_seconds = 3600

[duration]
cookie_minutes = 60
`

// TestMain builds the binary, seeds an admin account directly through the
// store (the interactive --create-user path needs a terminal) and starts the
// server.
func TestMain(m *testing.M) {
	// cleanup old data
	_ = os.RemoveAll(testDir)
	_ = os.Remove(configPath)

	if err := os.WriteFile(configPath, []byte(testConfig), 0o600); err != nil {
		log.Fatalf("failed to write config: %v", err)
	}

	// build the binary
	build := exec.Command("go", "build", "-o", binPath, "./app")
	build.Dir = ".."
	if out, err := build.CombinedOutput(); err != nil {
		log.Fatalf("failed to build: %v\n%s", err, out)
	}

	if err := seedAdmin(); err != nil {
		log.Fatalf("failed to seed admin: %v", err)
	}

	// start the server
	serverCmd = exec.Command(binPath, "--config", configPath, "--dbg")
	serverCmd.Dir = ".."
	serverCmd.Stdout = os.Stdout
	serverCmd.Stderr = os.Stderr
	if err := serverCmd.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	// wait for server to be ready
	if err := waitForServer(baseURL+"/ping", 30*time.Second); err != nil {
		_ = serverCmd.Process.Kill()
		log.Fatalf("server not ready: %v", err)
	}

	// run tests
	code := m.Run()

	// cleanup
	if serverCmd.Process != nil {
		_ = serverCmd.Process.Kill()
	}
	_ = os.RemoveAll(testDir)
	_ = os.Remove(configPath)

	os.Exit(code)
}

// seedAdmin creates the admin row in the sqlite file the server will open,
// going through the same store, hasher and totp packages the server uses.
func seedAdmin() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dm := dirs.New(testDir, []string{"archive", "sysinfo"})
	if err := dm.EnsureAll(ctx, nil); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	st, err := store.New(testDir+"/auth.db", dm)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	h, err := hasher.New(2)
	if err != nil {
		return err
	}
	hash, err := h.Hash(ctx, adminPass)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	key, err := apptotp.New(serverName).Generate(adminUser)
	if err != nil {
		return fmt.Errorf("generate admin totp: %w", err)
	}
	adminTotpURL = key.URL()

	if _, err := st.AddUser(ctx, adminUser, hash, adminTotpURL, true); err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	return nil
}

func waitForServer(serverURL string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(serverURL) //nolint:gosec // test code with controlled URL
		if err == nil && resp.StatusCode == http.StatusOK {
			_ = resp.Body.Close()
			return nil
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

// newClient creates a fresh client with its own session jar.
func newClient(t *testing.T) *tcloud.Client {
	t.Helper()
	c, err := tcloud.New(baseURL, tcloud.WithRetry(0, 0))
	require.NoError(t, err)
	return c
}

// adminClient returns a client logged in as the seeded admin.
func adminClient(t *testing.T) *tcloud.Client {
	t.Helper()
	c := newClient(t)
	require.NoError(t, c.Login(context.Background(), adminUser, adminPass, totpCode(t, adminTotpURL)))
	return c
}

// totpCode computes the current code for an otpauth enrolment URL.
func totpCode(t *testing.T, enrolmentURL string) string {
	t.Helper()
	key, err := otp.NewKeyFromURL(enrolmentURL)
	require.NoError(t, err)
	code, err := ptotp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	return code
}

// wrongCode derives a code guaranteed to differ from the current one.
func wrongCode(t *testing.T, enrolmentURL string) string {
	t.Helper()
	code := totpCode(t, enrolmentURL)
	flipped := byte('0')
	if code[0] == '0' {
		flipped = '1'
	}
	return string(flipped) + code[1:]
}

// newRegToken has the admin issue a registration token.
func newRegToken(t *testing.T, admin *tcloud.Client) string {
	t.Helper()
	grant, err := admin.NewToken(context.Background(), nil, nil)
	require.NoError(t, err)
	return grant.Token
}

// registerUser creates an account through the API and returns a logged-in
// client plus the account's TOTP enrolment URL.
func registerUser(t *testing.T, admin *tcloud.Client, user, password string) (*tcloud.Client, string) {
	t.Helper()
	c := newClient(t)
	enrolment, err := c.Register(context.Background(), user, password, newRegToken(t, admin), false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(enrolment.URL, "otpauth://totp/"), "unexpected enrolment url %q", enrolment.URL)
	return c, enrolment.URL
}

// rawSession logs in with a plain http.Client so tests can issue requests
// the typed client does not cover, like the SSE stream.
func rawSession(t *testing.T, user, password, code string) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	hc := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	body := fmt.Sprintf(`{"user":%q,"password":%q,"totp":%q}`, user, password, code)
	resp, err := hc.Post(baseURL+"/api/auth/login", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return hc
}

// apiError unwraps err into the typed wire error.
func apiError(t *testing.T, err error) *tcloud.APIError {
	t.Helper()
	require.Error(t, err)
	var apiErr *tcloud.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr
}
