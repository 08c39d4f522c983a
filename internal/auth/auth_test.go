package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func router(t *testing.T, cidrs ...string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	g, err := New("s3cret", cidrs)
	require.NoError(t, err)
	r := gin.New()
	r.GET("/admin", g.AdminOnly(), func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestAdminOnly(t *testing.T) {
	tests := []struct {
		name   string
		cidrs  []string
		remote string
		header map[string]string
		want   int
	}{
		{"missing secret", nil, "10.0.0.1:1234", nil, http.StatusUnauthorized},
		{"wrong secret", nil, "10.0.0.1:1234", map[string]string{HeaderSecret: "nope"}, http.StatusUnauthorized},
		{"header secret", nil, "10.0.0.1:1234", map[string]string{HeaderSecret: "s3cret"}, http.StatusOK},
		{"bearer secret", nil, "10.0.0.1:1234", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"outside cidr", []string{"127.0.0.0/8"}, "10.0.0.1:1234", map[string]string{HeaderSecret: "s3cret"}, http.StatusForbidden},
		{"inside cidr", []string{"127.0.0.0/8"}, "127.0.0.1:1234", map[string]string{HeaderSecret: "s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router(t, tt.cidrs...).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)
	_, err = New("x", []string{"not-a-cidr"})
	assert.Error(t, err)
}
