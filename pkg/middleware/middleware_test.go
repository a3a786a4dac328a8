package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-funds/internal/auth"
)

func newRouter(tokens *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	secured := router.Group("/api/v1", JWTAuth(tokens))
	secured.GET("/whoami", func(c *gin.Context) {
		c.String(http.StatusOK, auth.UserID(c))
	})
	secured.POST("/batches", RequireRole(auth.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return router
}

func issue(t *testing.T, tokens *auth.Service, key, secret string) string {
	t.Helper()
	resp, err := tokens.GenerateToken(auth.Credentials{APIKey: key, APISecret: secret})
	if err != nil {
		t.Fatal(err)
	}
	return resp.Token
}

func TestJWTAuthAndRoles(t *testing.T) {
	tokens := auth.NewService("test-secret")
	tokens.RegisterAPICredentials("alice-key", "alice-secret", "alice")
	tokens.RegisterAPICredentials("ops-key", "ops-secret", "ops", auth.RoleAdmin)
	router := newRouter(tokens)

	alice := issue(t, tokens, "alice-key", "alice-secret")
	ops := issue(t, tokens, "ops-key", "ops-secret")

	other := auth.NewService("other-secret")
	other.RegisterAPICredentials("alice-key", "alice-secret", "alice")
	forged := issue(t, other, "alice-key", "alice-secret")

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
		body   string
	}{
		{"missing header", http.MethodGet, "/api/v1/whoami", "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "/api/v1/whoami", "Basic " + alice, http.StatusUnauthorized, ""},
		{"bad signature", http.MethodGet, "/api/v1/whoami", "Bearer " + forged, http.StatusUnauthorized, ""},
		{"valid token", http.MethodGet, "/api/v1/whoami", "Bearer " + alice, http.StatusOK, "alice"},
		{"investor on admin route", http.MethodPost, "/api/v1/batches", "Bearer " + alice, http.StatusForbidden, ""},
		{"admin on admin route", http.MethodPost, "/api/v1/batches", "Bearer " + ops, http.StatusCreated, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("expected body %q, got %q", tt.body, w.Body.String())
			}
		})
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/v1/auth/token", RateLimit(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	limited := false
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected the token route to be rate limited after its burst")
	}
}
