//go:build e2e

package e2e

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	alice, aliceTotp := registerUser(t, admin, "alice", "correct horse 1")

	// registration established a session right away
	require.NoError(t, alice.Logout(ctx))

	t.Run("login with current code", func(t *testing.T) {
		c := newClient(t)
		require.NoError(t, c.Login(ctx, "alice", "correct horse 1", totpCode(t, aliceTotp)))
		require.NoError(t, c.Logout(ctx))
	})

	t.Run("login with wrong code", func(t *testing.T) {
		c := newClient(t)
		err := c.Login(ctx, "alice", "correct horse 1", wrongCode(t, aliceTotp))
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "InvalidTotp", apiErr.Type)
	})

	t.Run("login with wrong password", func(t *testing.T) {
		c := newClient(t)
		err := c.Login(ctx, "alice", "not the password", totpCode(t, aliceTotp))
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "InvalidCredentials", apiErr.Type)
	})

	t.Run("login unknown user", func(t *testing.T) {
		c := newClient(t)
		err := c.Login(ctx, "mallory", "anything at all", "123456")
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "InvalidCredentials", apiErr.Type, "unknown user is indistinguishable from wrong password")
	})
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	t.Run("token consumed on success", func(t *testing.T) {
		tok := newRegToken(t, admin)
		_, err := newClient(t).Register(ctx, "bob", "a valid pass 1", tok, false)
		require.NoError(t, err)

		// second use of the same token fails as if it never existed
		_, err = newClient(t).Register(ctx, "carol", "a valid pass 1", tok, false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "NotFound", apiErr.Type)
	})

	t.Run("bad token", func(t *testing.T) {
		_, err := newClient(t).Register(ctx, "carol", "a valid pass 1", "nosuchtoken12345", false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Equal(t, "TokenError", apiErr.Category)
	})

	t.Run("username too short", func(t *testing.T) {
		_, err := newClient(t).Register(ctx, "ab", "a valid pass 1", newRegToken(t, admin), false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, "BadCredentials", apiErr.Type)
	})

	t.Run("username not alphanumeric", func(t *testing.T) {
		_, err := newClient(t).Register(ctx, "ev il", "a valid pass 1", newRegToken(t, admin), false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, "BadCredentials", apiErr.Type)
	})

	t.Run("password too short", func(t *testing.T) {
		_, err := newClient(t).Register(ctx, "carol", "short", newRegToken(t, admin), false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusBadRequest, apiErr.Status)
		assert.Equal(t, "BadCredentials", apiErr.Type)
	})

	t.Run("username taken", func(t *testing.T) {
		_, err := newClient(t).Register(ctx, "bob", "a valid pass 1", newRegToken(t, admin), false)
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "InvalidRegCredentials", apiErr.Type)
	})

	t.Run("qr enrolment", func(t *testing.T) {
		enrolment, err := newClient(t).Register(ctx, "dora", "a valid pass 1", newRegToken(t, admin), true)
		require.NoError(t, err)
		assert.Empty(t, enrolment.URL)
		assert.NotEmpty(t, enrolment.QR, "expected a base64 png")
	})
}

func TestLogoutAll(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	first, userTotp := registerUser(t, admin, "erin", "a valid pass 1")

	// a second session for the same account
	second := newClient(t)
	require.NoError(t, second.Login(ctx, "erin", "a valid pass 1", totpCode(t, userTotp)))

	require.NoError(t, first.LogoutAll(ctx))

	// the second session's cookie still decodes but no longer validates
	err := second.Logout(ctx)
	apiErr := apiError(t, err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "InvalidSession", apiErr.Type)

	// a fresh login still works, the account itself is untouched
	require.NoError(t, newClient(t).Login(ctx, "erin", "a valid pass 1", totpCode(t, userTotp)))
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	frank, frankTotp := registerUser(t, admin, "frank", "first pass 111")

	t.Run("wrong old password rejected", func(t *testing.T) {
		err := frank.ChangePassword(ctx, "not the pass 1", "second pass 22")
		apiErr := apiError(t, err)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
		assert.Equal(t, "InvalidCredentials", apiErr.Type)
	})

	require.NoError(t, frank.ChangePassword(ctx, "first pass 111", "second pass 22"))

	t.Run("change revokes every session", func(t *testing.T) {
		err := frank.Logout(ctx)
		apiErr := apiError(t, err)
		assert.Equal(t, "InvalidSession", apiErr.Type)
	})

	t.Run("old password dead, new works", func(t *testing.T) {
		err := newClient(t).Login(ctx, "frank", "first pass 111", totpCode(t, frankTotp))
		assert.Equal(t, "InvalidCredentials", apiError(t, err).Type)

		require.NoError(t, newClient(t).Login(ctx, "frank", "second pass 22", totpCode(t, frankTotp)))
	})
}

func TestChangeTotp(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	grace, oldTotp := registerUser(t, admin, "grace", "a valid pass 1")

	enrolment, err := grace.ChangeTOTP(ctx, "a valid pass 1", false)
	require.NoError(t, err)
	require.NotEmpty(t, enrolment.URL)
	require.NotEqual(t, oldTotp, enrolment.URL)

	// re-enrolment rotates the sessionid
	err = grace.Logout(ctx)
	assert.Equal(t, "InvalidSession", apiError(t, err).Type)

	// the old secret no longer logs in, the new one does
	err = newClient(t).Login(ctx, "grace", "a valid pass 1", totpCode(t, oldTotp))
	assert.Equal(t, "InvalidTotp", apiError(t, err).Type)
	require.NoError(t, newClient(t).Login(ctx, "grace", "a valid pass 1", totpCode(t, enrolment.URL)))
}

func TestDeleteAccount(t *testing.T) {
	ctx := context.Background()
	admin := adminClient(t)

	henry, henryTotp := registerUser(t, admin, "henry", "a valid pass 1")

	// the user's data tree exists after registration
	userDir := testDir + "/users/henry"
	_, err := os.Stat(userDir)
	require.NoError(t, err)

	require.NoError(t, henry.DeleteAccount(ctx))

	// the server keeps serving
	_, err = newClient(t).Info(ctx)
	require.NoError(t, err)

	// the account is gone
	err = newClient(t).Login(ctx, "henry", "a valid pass 1", totpCode(t, henryTotp))
	assert.Equal(t, "InvalidCredentials", apiError(t, err).Type)

	// the data tree is removed in the background
	assert.Eventually(t, func() bool {
		_, err := os.Stat(userDir)
		return os.IsNotExist(err)
	}, 10*time.Second, 100*time.Millisecond, "user data directory should be removed")
}
