package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newManager(t *testing.T) *JWTManager {
	t.Helper()
	jm, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)
	return jm
}

func TestNewJWTManager(t *testing.T) {
	_, err := NewJWTManager("  ", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)

	jm, err := NewJWTManager("s", 0)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, jm.TTL())
}

func TestGenerateAndValidate(t *testing.T) {
	jm := newManager(t)
	ctx := context.Background()

	token, expiresAt, err := jm.GenerateToken(ctx, "user-1", "dr@example.com", []string{models.RoleClinician})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := jm.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "dr@example.com", claims.Email)
	assert.Equal(t, []string{models.RoleClinician}, claims.Roles)
	assert.Equal(t, issuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken_Rejects(t *testing.T) {
	jm := newManager(t)
	ctx := context.Background()

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTManager("other-secret", time.Hour)
		require.NoError(t, err)
		token, _, err := other.GenerateToken(ctx, "u", "e", nil)
		require.NoError(t, err)
		_, err = jm.ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		past, err := NewJWTManager("test-secret", time.Minute)
		require.NoError(t, err)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, err := past.GenerateToken(ctx, "u", "e", nil)
		require.NoError(t, err)
		_, err = jm.ValidateToken(ctx, token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
			UserID:           "u",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		})
		signed, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = jm.ValidateToken(ctx, signed)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := jm.ValidateToken(ctx, "not.a.token")
		assert.Error(t, err)
	})
}

func TestRefreshToken(t *testing.T) {
	jm := newManager(t)
	ctx := context.Background()
	token, _, err := jm.GenerateToken(ctx, "user-1", "dr@example.com", []string{models.RoleAdmin})
	require.NoError(t, err)

	refreshed, _, err := jm.RefreshToken(ctx, token)
	require.NoError(t, err)
	claims, err := jm.ValidateToken(ctx, refreshed)
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleAdmin}, claims.Roles)

	_, _, err = jm.RefreshToken(ctx, "bogus")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken("Bear"))
	assert.Equal(t, "", BearerToken(""))
}

func newRouter(jm *JWTManager, roles ...string) *gin.Engine {
	log := logger.NewNop()
	r := gin.New()
	handlers := []gin.HandlerFunc{RequireAuth(jm, log)}
	if len(roles) > 0 {
		handlers = append(handlers, RequireRole(log, roles...))
	}
	handlers = append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": c.GetString(UserIDKey)})
	})
	r.GET("/protected", handlers...)
	return r
}

func TestRequireAuth(t *testing.T) {
	jm := newManager(t)
	token, _, err := jm.GenerateToken(context.Background(), "user-1", "dr@example.com", []string{models.RoleClinician})
	require.NoError(t, err)
	r := newRouter(jm)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{name: "valid header", header: "Bearer " + token, want: http.StatusOK},
		{name: "token query parameter", query: "?token=" + token, want: http.StatusOK},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "malformed header", header: "Token " + token, want: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/protected"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, `{"user_id":"user-1"}`, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), models.ErrCodeUnauthorized)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	jm := newManager(t)
	ctx := context.Background()
	clinician, _, err := jm.GenerateToken(ctx, "u1", "c@example.com", []string{models.RoleClinician})
	require.NoError(t, err)
	admin, _, err := jm.GenerateToken(ctx, "u2", "a@example.com", []string{models.RoleAdmin})
	require.NoError(t, err)

	r := newRouter(jm, models.RoleAdmin)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+clinician)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), models.ErrCodeForbidden)

	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
