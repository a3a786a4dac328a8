package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-funds/internal/config"
	"github.com/ksred/klear-funds/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Roles carried in issued tokens
const (
	RoleInvestor = "investor"
	RoleAdmin    = "admin"
	RoleResolver = "resolver"
)

// Context keys set by the JWT middleware
const (
	ContextUserID = "userID"
	ContextRoles  = "roles"
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type client struct {
	secret string
	userID string
	roles  []string
}

// Service issues and validates API tokens
type Service struct {
	jwtSecret []byte

	mu      sync.RWMutex
	clients map[string]client // keyed by API key
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		clients:   make(map[string]client),
	}
}

// NewServiceFromConfig registers every configured API client
func NewServiceFromConfig(cfg *config.Config) *Service {
	s := NewService(cfg.JWTSecret)
	for _, c := range cfg.APIClients {
		s.RegisterAPICredentials(c.Key, c.Secret, c.UserID, c.Roles...)
	}
	return s
}

// GenerateToken exchanges valid API credentials for a token carrying the
// client's user id and roles
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	cl, ok := s.clients[creds.APIKey]
	s.mu.RUnlock()
	if !ok || cl.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   cl.userID,
		},
		UserID: cl.userID,
		Roles:  cl.roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// RegisterAPICredentials registers an API client. Clients without roles are investors.
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, userID string, roles ...string) {
	if len(roles) == 0 {
		roles = []string{RoleInvestor}
	}
	s.mu.Lock()
	s.clients[apiKey] = client{secret: apiSecret, userID: userID, roles: roles}
	s.mu.Unlock()
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// UserID returns the authenticated user of the request
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// HasRole reports whether the authenticated caller holds any of roles
func HasRole(c *gin.Context, roles ...string) bool {
	held := c.GetStringSlice(ContextRoles)
	for _, h := range held {
		for _, r := range roles {
			if h == r {
				return true
			}
		}
	}
	return false
}

// IsAdmin reports whether the caller holds the admin role
func IsAdmin(c *gin.Context) bool {
	return HasRole(c, RoleAdmin)
}
