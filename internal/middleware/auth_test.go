package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_IssueValidate_RoundTrip(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), "")
	token, err := m.Issue("principal-1", RoleOwner, time.Hour)
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "principal-1", claims.PrincipalID)
	require.Equal(t, RoleOwner, claims.Role)
}

func TestJWTManager_Validate_Expired(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), "")
	token, err := m.Issue("principal-1", RoleOwner, -time.Minute)
	require.NoError(t, err)

	_, err = m.Validate(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthMiddleware_AttachesPrincipal(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), "")
	token, err := m.Issue("principal-1", RoleAdmin, time.Hour)
	require.NoError(t, err)

	var sawRole Role
	handler := AuthMiddleware(m, logrus.StandardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := Principal(r.Context())
		require.True(t, ok)
		sawRole = claims.Role
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, RoleAdmin, sawRole)
}

func TestRequireRole_RejectsWrongRole(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), "")
	token, err := m.Issue("principal-1", RolePublic, time.Hour)
	require.NoError(t, err)

	handler := AuthMiddleware(m, logrus.StandardLogger())(
		RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
