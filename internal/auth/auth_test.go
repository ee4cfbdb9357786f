package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

func newTestService(t *testing.T) (*Service, *memory.MemoryStorage) {
	t.Helper()
	store := memory.New()
	tokens, err := NewTokenIssuer("test-secret", 0, 0)
	require.NoError(t, err)
	return NewService(store, tokens), store
}

func int64Ptr(v int64) *int64 { return &v }

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)
	assert.True(t, CheckPassword(hash, "s3cret-pass"))
	assert.False(t, CheckPassword(hash, "wrong"))
	assert.False(t, CheckPassword("", "anything"))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("", time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	ti, err := NewTokenIssuer("k", time.Minute, time.Hour)
	require.NoError(t, err)

	pair, err := ti.Pair(42)
	require.NoError(t, err)

	claims, err := ti.Verify(pair.Access, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.NotEmpty(t, claims.ID)

	_, err = ti.Verify(pair.Refresh, TokenAccess)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed, "refresh token must not pass as access")

	_, err = ti.Verify(pair.Access+"x", TokenAccess)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)

	other, err := NewTokenIssuer("other", time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(pair.Access, TokenAccess)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

func TestTokenExpiry(t *testing.T) {
	ti, err := NewTokenIssuer("k", time.Minute, time.Hour)
	require.NoError(t, err)
	start := time.Now()
	ti.now = func() time.Time { return start }

	access, err := ti.Access(7)
	require.NoError(t, err)

	ti.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = ti.Verify(access, TokenAccess)
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "expired")
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	reg, err := svc.Register(ctx, RegisterInput{
		Username:   "aigerim",
		Password:   "pa55word",
		FirstName:  "Aigerim",
		TelegramID: int64Ptr(555),
		Role:       types.RoleAdmin, // ignored by Register
	})
	require.NoError(t, err)
	assert.NotZero(t, reg.User.ID)
	assert.NotEmpty(t, reg.Access)
	assert.NotEmpty(t, reg.Refresh)
	assert.Equal(t, types.RoleNone, reg.User.Role)

	stored, err := store.GetIdentityByHandle(ctx, 555)
	require.NoError(t, err)
	assert.Equal(t, "aigerim", stored.Username)
	assert.True(t, CheckPassword(stored.PasswordHash, "pa55word"))

	pair, err := svc.Login(ctx, LoginInput{Username: "aigerim", Password: "pa55word"})
	require.NoError(t, err)
	claims, err := svc.Tokens().Verify(pair.Access, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID)

	_, err = svc.Login(ctx, LoginInput{Username: "aigerim", Password: "nope"})
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	_, err = svc.Login(ctx, LoginInput{Username: "ghost", Password: "nope"})
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"missing username", RegisterInput{Password: "x"}, "username"},
		{"missing password", RegisterInput{Username: "u"}, "password"},
		{"long first name", RegisterInput{Username: "u", Password: "x", FirstName: strings.Repeat("a", 151)}, "first_name"},
		{"negative handle", RegisterInput{Username: "u", Password: "x", TelegramID: int64Ptr(-1)}, "telegram_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			require.ErrorIs(t, err, types.ErrValidation)
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegisterDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Register(ctx, RegisterInput{Username: "u", Password: "x", TelegramID: int64Ptr(9)})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Username: "u", Password: "y"})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "username", verr.Field)

	_, err = svc.Register(ctx, RegisterInput{Username: "v", Password: "y", TelegramID: int64Ptr(9)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "telegram_id", verr.Field)
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	reg, err := svc.Register(ctx, RegisterInput{Username: "u", Password: "x"})
	require.NoError(t, err)

	access, err := svc.Refresh(ctx, reg.Refresh)
	require.NoError(t, err)
	claims, err := svc.Tokens().Verify(access, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, claims.UserID)

	_, err = svc.Refresh(ctx, reg.Access)
	assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	_, err = svc.Refresh(ctx, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLinkHandleMovesHandle(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	a, err := svc.CreateIdentity(ctx, RegisterInput{Username: "a", Password: "pw-a", TelegramID: int64Ptr(100)})
	require.NoError(t, err)
	b, err := svc.CreateIdentity(ctx, RegisterInput{Username: "b", Password: "pw-b"})
	require.NoError(t, err)

	linked, err := svc.LinkHandle(ctx, LinkInput{Username: "b", Password: "pw-b", TelegramID: 100})
	require.NoError(t, err)
	assert.Equal(t, b.ID, linked.ID)

	holder, err := store.GetIdentityByHandle(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, b.ID, holder.ID)

	prev, err := store.GetIdentity(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, prev.HasHandle())
}

func TestLinkHandleErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	_, err := svc.CreateIdentity(ctx, RegisterInput{Username: "a", Password: "pw"})
	require.NoError(t, err)

	_, err = svc.LinkHandle(ctx, LinkInput{Username: "a", Password: "pw"})
	require.ErrorIs(t, err, types.ErrValidation)
	assert.Contains(t, err.Error(), msgLinkFieldsRequired)

	_, err = svc.LinkHandle(ctx, LinkInput{Username: "a", Password: "bad", TelegramID: 5})
	require.ErrorIs(t, err, types.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), msgBadCredentials)
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	bearerUser, err := svc.Register(ctx, RegisterInput{Username: "bearer", Password: "x"})
	require.NoError(t, err)
	handleUser, err := svc.CreateIdentity(ctx, RegisterInput{Username: "handle", Password: "x", TelegramID: int64Ptr(777)})
	require.NoError(t, err)

	chain := Chain{
		BearerStrategy{Tokens: svc.Tokens(), Store: store},
		HandleStrategy{Store: store},
	}

	t.Run("no credentials", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/pollutions/", nil)
		id, err := chain.Authenticate(r)
		require.NoError(t, err)
		assert.Nil(t, id)

		_, err = chain.Require(r)
		assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	})

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+bearerUser.Access)
		id, err := chain.Require(r)
		require.NoError(t, err)
		assert.Equal(t, bearerUser.User.ID, id.ID)
	})

	t.Run("bad bearer wins over valid handle", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?telegram_id=777", nil)
		r.Header.Set("Authorization", "Bearer garbage")
		_, err := chain.Authenticate(r)
		assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	})

	t.Run("non-bearer scheme is not applicable", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?telegram_id=777", nil)
		r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
		id, err := chain.Require(r)
		require.NoError(t, err)
		assert.Equal(t, handleUser.ID, id.ID)
	})

	t.Run("handle in json body is restored", func(t *testing.T) {
		body := `{"telegram_id": 777, "description": "oil"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		id, err := chain.Require(r)
		require.NoError(t, err)
		assert.Equal(t, handleUser.ID, id.ID)

		rest := new(strings.Builder)
		_, err = io.Copy(rest, r.Body)
		require.NoError(t, err)
		assert.Equal(t, body, rest.String())
	})

	t.Run("handle as json string", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"telegram_id": "777"}`))
		r.Header.Set("Content-Type", "application/json; charset=utf-8")
		id, err := chain.Require(r)
		require.NoError(t, err)
		assert.Equal(t, handleUser.ID, id.ID)
	})

	t.Run("handle in form body", func(t *testing.T) {
		form := url.Values{"telegram_id": {"777"}}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		id, err := chain.Require(r)
		require.NoError(t, err)
		assert.Equal(t, handleUser.ID, id.ID)
	})

	t.Run("unknown handle", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?telegram_id=1", nil)
		_, err := chain.Authenticate(r)
		require.ErrorIs(t, err, ErrHandleNotLinked)
		assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	})

	t.Run("malformed handle", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/?telegram_id=abc", nil)
		_, err := chain.Authenticate(r)
		assert.ErrorIs(t, err, types.ErrAuthenticationFailed)
	})
}
