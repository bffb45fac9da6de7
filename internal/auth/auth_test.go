package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("correct horse", bcrypt.MinCost)
	require.NoError(t, err)
	return NewService(Config{
		Enabled:              true,
		JWTSecret:            "test-secret",
		AccessTokenDuration:  time.Minute,
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
		StrategyToken:        "strategy-token",
	}, zerolog.Nop())
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret", bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, VerifyPassword("secret", hash))
	assert.False(t, VerifyPassword("wrong", hash))

	_, err = HashPassword(strings.Repeat("x", MaxPasswordLength+1), bcrypt.MinCost)
	assert.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	token, err := m.GenerateAccessToken(Claims{Subject: "operator", Role: RoleOperator})
	require.NoError(t, err)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, int64(60), token.ExpiresIn)

	claims, err := m.ValidateAccessToken(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)

	_, err = NewJWTManager("other", time.Minute).ValidateAccessToken(token.AccessToken)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestJWTExpired(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	issued := time.Now()
	m.now = func() time.Time { return issued }
	token, err := m.GenerateAccessToken(Claims{Subject: "operator", Role: RoleOperator})
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = m.ValidateAccessToken(token.AccessToken)
	assert.Equal(t, ErrTokenExpired, err)
}

func TestLoginAndLockout(t *testing.T) {
	s := newTestService(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	token, err := s.Login(LoginRequest{Username: "operator", Password: "correct horse"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)

	for i := 0; i < maxFailedLogins; i++ {
		_, err = s.Login(LoginRequest{Username: "operator", Password: "nope"})
		assert.Equal(t, ErrInvalidCredentials, err)
	}
	_, err = s.Login(LoginRequest{Username: "operator", Password: "correct horse"})
	assert.Equal(t, ErrRateLimited, err)

	now = now.Add(lockoutDuration + time.Second)
	_, err = s.Login(LoginRequest{Username: "operator", Password: "correct horse"})
	assert.NoError(t, err)
}

func TestLoginNotConfigured(t *testing.T) {
	s := NewService(Config{Enabled: true, JWTSecret: "x"}, zerolog.Nop())
	_, err := s.Login(LoginRequest{Username: "a", Password: "b"})
	assert.Equal(t, ErrNotConfigured, err)
}

func newRouter(s *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/login", NewHandlers(s).Login)
	ok := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": Subject(c), "role": c.GetString(ContextKeyRole)})
	}
	r.GET("/operator", Middleware(s), RequireOperator(), ok)
	r.POST("/strategy", StrategyMiddleware(s), ok)
	return r
}

func TestMiddleware(t *testing.T) {
	s := newTestService(t)
	r := newRouter(s)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/operator", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ErrUnauthorized.Code)

	token, err := s.Login(LoginRequest{Username: "operator", Password: "correct horse"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/operator", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subject":"operator"`)

	req = httptest.NewRequest(http.MethodGet, "/operator", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), ErrInvalidToken.Code)
}

func TestStrategyMiddleware(t *testing.T) {
	s := newTestService(t)
	r := newRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/strategy", nil)
	req.Header.Set(StrategyTokenHeader, "strategy-token")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"strategy"`)

	req = httptest.NewRequest(http.MethodPost, "/strategy", nil)
	req.Header.Set(StrategyTokenHeader, "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/strategy", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDisabledAuthPassesThrough(t *testing.T) {
	r := newRouter(NewService(Config{}, zerolog.Nop()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/operator", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLoginHandler(t *testing.T) {
	r := newRouter(newTestService(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"operator"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"operator","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"operator","password":"correct horse"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "access_token")
}
