package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-funds/internal/config"
)

func TestServiceFromConfigIssuesRoles(t *testing.T) {
	svc := NewServiceFromConfig(&config.Config{
		JWTSecret: "test-secret",
		APIClients: []config.APIClient{
			{Key: "alice-key", Secret: "alice-secret", UserID: "alice"},
			{Key: "arbiter-key", Secret: "arbiter-secret", UserID: "arbiter", Roles: []string{RoleResolver}},
		},
	})

	tests := []struct {
		key, secret string
		wantUser    string
		wantRole    string
	}{
		{"alice-key", "alice-secret", "alice", RoleInvestor},
		{"arbiter-key", "arbiter-secret", "arbiter", RoleResolver},
	}
	for _, tt := range tests {
		resp, err := svc.GenerateToken(Credentials{APIKey: tt.key, APISecret: tt.secret})
		if err != nil {
			t.Fatalf("%s: %v", tt.key, err)
		}
		claims, err := svc.ValidateToken(resp.Token)
		if err != nil {
			t.Fatalf("%s: %v", tt.key, err)
		}
		if claims.UserID != tt.wantUser || len(claims.Roles) != 1 || claims.Roles[0] != tt.wantRole {
			t.Errorf("%s: got user %s roles %v", tt.key, claims.UserID, claims.Roles)
		}
	}

	if _, err := svc.GenerateToken(Credentials{APIKey: "alice-key", APISecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Error("expected malformed token to be rejected")
	}
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("ops-key", "ops-secret", "ops", RoleAdmin)
	router := gin.New()
	router.POST("/auth/token", NewGinHandlers(svc).GenerateTokenHandler())

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"api_key":"ops-key","api_secret":"ops-secret"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var envelope struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatal(err)
	}
	claims, err := svc.ValidateToken(envelope.Data.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "ops" || claims.Roles[0] != RoleAdmin {
		t.Errorf("unexpected claims %+v", claims)
	}

	if w := post(`{"api_key":"ops-key","api_secret":"nope"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
