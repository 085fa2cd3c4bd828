package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/pquerna/otp"
	ptotp "github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personal-tiny-cloud/tcloud/app/hasher"
	"github.com/personal-tiny-cloud/tcloud/app/store"
	"github.com/personal-tiny-cloud/tcloud/app/token"
	"github.com/personal-tiny-cloud/tcloud/app/totp"
)

// light parameters keep the argon2 work out of the test runtime
var testParams = &argon2id.Params{Memory: 8 * 1024, Iterations: 1, Parallelism: 2, SaltLength: 16, KeyLength: 32}

type nopDirs struct{}

func (nopDirs) EnsureUser(string) error { return nil }
func (nopDirs) RemoveUserAsync(string)  {}

func newTestAuth(t *testing.T) (*Service, *store.Store, *token.Service) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "auth.db"), nopDirs{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h, err := hasher.NewWithParams(2, testParams)
	require.NoError(t, err)
	tokens, err := token.New(st, 16, time.Hour)
	require.NoError(t, err)

	svc, err := New(st, h, totp.New("TinyCloud"), tokens,
		Bounds{MinUsername: 3, MaxUsername: 10, MinPasswd: 9, MaxPasswd: 256})
	require.NoError(t, err)
	return svc, st, tokens
}

// code computes the current TOTP code for a key, what an authenticator app
// would show.
func code(t *testing.T, key *otp.Key) string {
	t.Helper()
	c, err := ptotp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	return c
}

func staleCode(t *testing.T, key *otp.Key) string {
	t.Helper()
	c, err := ptotp.GenerateCode(key.Secret(), time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "auth.db"), nopDirs{})
	require.NoError(t, err)
	defer st.Close()
	h, err := hasher.NewWithParams(1, testParams)
	require.NoError(t, err)
	tokens, err := token.New(st, 16, time.Hour)
	require.NoError(t, err)

	_, err = New(st, h, totp.New("x"), tokens, Bounds{MinUsername: 0, MaxUsername: 10, MinPasswd: 9, MaxPasswd: 256})
	assert.Error(t, err)
	_, err = New(st, h, totp.New("x"), tokens, Bounds{MinUsername: 5, MaxUsername: 3, MinPasswd: 9, MaxPasswd: 256})
	assert.Error(t, err)
	_, err = New(st, h, totp.New("x"), tokens, Bounds{MinUsername: 3, MaxUsername: 10, MinPasswd: 20, MaxPasswd: 10})
	assert.Error(t, err)
}

func TestService_RegisterAndLogin(t *testing.T) {
	svc, _, tokens := newTestAuth(t)
	ctx := context.Background()

	tok, _, err := tokens.Create(ctx, nil, nil)
	require.NoError(t, err)

	key, userid, err := svc.Register(ctx, "alice", "correcthorse", tok)
	require.NoError(t, err)
	assert.Equal(t, "TinyCloud", key.Issuer())
	assert.Equal(t, "alice", key.AccountName())

	info, err := svc.Validate(ctx, userid)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)
	assert.False(t, info.IsAdmin)

	t.Run("token consumed", func(t *testing.T) {
		_, _, err := svc.Register(ctx, "bobby", "correcthorse", tok)
		assert.ErrorIs(t, err, token.ErrNotFound)
	})

	t.Run("login returns the same identity", func(t *testing.T) {
		got, err := svc.Login(ctx, "alice", "correcthorse", code(t, key))
		require.NoError(t, err)
		assert.Equal(t, userid, got)
	})
}

func TestService_Register_Validation(t *testing.T) {
	svc, _, tokens := newTestAuth(t)
	ctx := context.Background()

	newToken := func() string {
		tok, _, err := tokens.Create(ctx, nil, nil)
		require.NoError(t, err)
		return tok
	}

	t.Run("credential shapes", func(t *testing.T) {
		cases := []struct{ name, user, pwd string }{
			{"short username", "ab", "correcthorse"},
			{"long username", "anextremelylonguser", "correcthorse"},
			{"non-alphanumeric username", "bad!user", "correcthorse"},
			{"short password", "alice", "short"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				tok := newToken()
				_, _, err := svc.Register(ctx, tc.user, tc.pwd, tok)
				var bad *BadCredentialsError
				require.ErrorAs(t, err, &bad)
				assert.NotEmpty(t, bad.Reason)

				assert.NoError(t, tokens.Check(ctx, tok), "shape failures must not consume the token")
			})
		}
	})

	t.Run("unicode letters allowed in usernames", func(t *testing.T) {
		_, _, err := svc.Register(ctx, "софия", "correcthorse", newToken())
		require.NoError(t, err)
	})

	t.Run("bad token", func(t *testing.T) {
		_, _, err := svc.Register(ctx, "carol", "correcthorse", "nosuchtoken")
		assert.ErrorIs(t, err, token.ErrNotFound)
	})

	t.Run("taken username burns the token", func(t *testing.T) {
		_, _, err := svc.Register(ctx, "dave", "correcthorse", newToken())
		require.NoError(t, err)

		tok := newToken()
		_, _, err = svc.Register(ctx, "dave", "othersecret", tok)
		assert.ErrorIs(t, err, ErrInvalidRegCredentials)
		assert.ErrorIs(t, tokens.Check(ctx, tok), token.ErrNotFound, "token is consumed before the insert")
	})
}

func TestService_Login_Failures(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	key, _, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	t.Run("unknown user", func(t *testing.T) {
		_, err := svc.Login(ctx, "nobody", "correcthorse", "000000")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "alice", "wrongwrong", code(t, key))
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("stale totp code", func(t *testing.T) {
		_, err := svc.Login(ctx, "alice", "correcthorse", staleCode(t, key))
		assert.ErrorIs(t, err, ErrInvalidTotp)
	})

	t.Run("shape violation before any hashing", func(t *testing.T) {
		_, err := svc.Login(ctx, "a", "correcthorse", "000000")
		var bad *BadCredentialsError
		assert.ErrorAs(t, err, &bad)
	})
}

func TestService_Validate(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	_, userid, err := svc.createUser(ctx, "alice", "correcthorse", true)
	require.NoError(t, err)

	info, err := svc.Validate(ctx, userid)
	require.NoError(t, err)
	assert.True(t, info.IsAdmin)

	_, err = svc.Validate(ctx, "alice:12345")
	assert.ErrorIs(t, err, ErrInvalidSession, "wrong sessionid")
	_, err = svc.Validate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidSession, "malformed userid")
}

func TestService_ChangePwd(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	key, userid, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	t.Run("wrong old password", func(t *testing.T) {
		err := svc.ChangePwd(ctx, userid, "wrongwrong", "freshsecret")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("new password too short", func(t *testing.T) {
		var bad *BadCredentialsError
		assert.ErrorAs(t, svc.ChangePwd(ctx, userid, "correcthorse", "short"), &bad)
	})

	t.Run("success rotates every session", func(t *testing.T) {
		require.NoError(t, svc.ChangePwd(ctx, userid, "correcthorse", "freshsecret"))

		_, err := svc.Validate(ctx, userid)
		assert.ErrorIs(t, err, ErrInvalidSession, "caller's own session dies too")

		_, err = svc.Login(ctx, "alice", "correcthorse", code(t, key))
		assert.ErrorIs(t, err, ErrInvalidCredentials, "old password gone")
		_, err = svc.Login(ctx, "alice", "freshsecret", code(t, key))
		require.NoError(t, err)
	})

	t.Run("dead session cannot change password", func(t *testing.T) {
		err := svc.ChangePwd(ctx, userid, "freshsecret", "anothersecret")
		assert.ErrorIs(t, err, ErrInvalidSession)
	})
}

func TestService_ChangePwdWithToken(t *testing.T) {
	svc, _, tokens := newTestAuth(t)
	ctx := context.Background()

	key, userid, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	t.Run("token for another user rejected", func(t *testing.T) {
		tok, _, err := tokens.Create(ctx, nil, strp("bob"))
		require.NoError(t, err)
		assert.ErrorIs(t, svc.ChangePwdWithToken(ctx, userid, tok, "freshsecret"), token.ErrInvalidPwdToken)
	})

	t.Run("bound token swaps without rotation", func(t *testing.T) {
		tok, _, err := tokens.Create(ctx, nil, strp("alice"))
		require.NoError(t, err)
		require.NoError(t, svc.ChangePwdWithToken(ctx, userid, tok, "freshsecret"))

		_, err = svc.Validate(ctx, userid)
		require.NoError(t, err, "session survives a token-based change")

		_, err = svc.Login(ctx, "alice", "freshsecret", code(t, key))
		require.NoError(t, err)
	})
}

func TestService_ResetPwd(t *testing.T) {
	svc, _, tokens := newTestAuth(t)
	ctx := context.Background()

	key, userid, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	t.Run("registration token rejected", func(t *testing.T) {
		tok, _, err := tokens.Create(ctx, nil, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, svc.ResetPwd(ctx, "alice", tok, "freshsecret"), token.ErrInvalidPwdToken)
	})

	t.Run("bound token resets by name", func(t *testing.T) {
		tok, _, err := tokens.Create(ctx, nil, strp("alice"))
		require.NoError(t, err)
		require.NoError(t, svc.ResetPwd(ctx, "alice", tok, "freshsecret"))

		_, err = svc.Validate(ctx, userid)
		require.NoError(t, err, "reset does not rotate the sessionid")

		_, err = svc.Login(ctx, "alice", "freshsecret", code(t, key))
		require.NoError(t, err)
	})

	t.Run("token bound to a deleted account", func(t *testing.T) {
		_, goneID, err := svc.createUser(ctx, "ghost", "correcthorse", false)
		require.NoError(t, err)
		tok, _, err := tokens.Create(ctx, nil, strp("ghost"))
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, goneID))

		assert.ErrorIs(t, svc.ResetPwd(ctx, "ghost", tok, "freshsecret"), ErrInvalidCredentials)
	})
}

func TestService_ChangeTotp(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	oldKey, userid, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.ChangeTotp(ctx, userid, "wrongwrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("re-enrols and rotates", func(t *testing.T) {
		newKey, err := svc.ChangeTotp(ctx, userid, "correcthorse")
		require.NoError(t, err)
		assert.NotEqual(t, oldKey.Secret(), newKey.Secret())

		_, err = svc.Validate(ctx, userid)
		assert.ErrorIs(t, err, ErrInvalidSession)

		_, err = svc.Login(ctx, "alice", "correcthorse", code(t, oldKey))
		assert.ErrorIs(t, err, ErrInvalidTotp, "old enrolment no longer accepted")
		_, err = svc.Login(ctx, "alice", "correcthorse", code(t, newKey))
		require.NoError(t, err)
	})
}

func TestService_LogoutAllAndDelete(t *testing.T) {
	svc, _, _ := newTestAuth(t)
	ctx := context.Background()

	key, userid, err := svc.createUser(ctx, "alice", "correcthorse", false)
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(ctx, userid))
	_, err = svc.Validate(ctx, userid)
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.ErrorIs(t, svc.LogoutAll(ctx, userid), ErrInvalidSession, "rotation is single-shot per identity")

	userid, err = svc.Login(ctx, "alice", "correcthorse", code(t, key))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, userid))
	_, err = svc.Validate(ctx, userid)
	assert.ErrorIs(t, err, ErrInvalidSession)
	_, err = svc.Login(ctx, "alice", "correcthorse", code(t, key))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_AddUser(t *testing.T) {
	svc, st, _ := newTestAuth(t)
	ctx := context.Background()

	key, err := svc.AddUser(ctx, "admin1", "correcthorse", true)
	require.NoError(t, err)
	assert.Equal(t, "admin1", key.AccountName())

	auth, err := st.GetAuth(ctx, "admin1")
	require.NoError(t, err)
	info, err := svc.Validate(ctx, store.UserID("admin1", auth.SessionID))
	require.NoError(t, err)
	assert.True(t, info.IsAdmin)

	_, err = svc.AddUser(ctx, "admin1", "correcthorse", false)
	assert.ErrorIs(t, err, ErrInvalidRegCredentials)
}

func strp(s string) *string { return &s }
