package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/klear-funds/internal/types"
)

func TestHandleMapsErrorClasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		method string
		err    error
		status int
		code   string
	}{
		{"success get", http.MethodGet, nil, http.StatusOK, ""},
		{"success post", http.MethodPost, nil, http.StatusCreated, ""},
		{"validation", http.MethodPost, types.Validationf("bad side"), http.StatusBadRequest, ErrCodeValidationFailed},
		{"not found", http.MethodGet, types.NotFoundf("order"), http.StatusNotFound, ErrCodeNotFound},
		{"gorm not found", http.MethodGet, fmt.Errorf("load: %w", gorm.ErrRecordNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"forbidden", http.MethodPost, types.Forbiddenf("not a party"), http.StatusForbidden, ErrCodeForbidden},
		{"conflict", http.MethodPost, types.Conflictf("completed"), http.StatusConflict, ErrCodeStateConflict},
		{"invariant", http.MethodPost, types.Invariantf("double release"), http.StatusConflict, ErrCodeInvariantViolation},
		{"unknown", http.MethodGet, errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(tt.method, "/", nil)

			Handle(c, map[string]string{"ok": "yes"}, tt.err)

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			var body Response
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if tt.err == nil {
				if !body.Success || body.Error != nil {
					t.Errorf("expected success envelope, got %+v", body)
				}
				return
			}
			if body.Success || body.Error == nil || body.Error.Code != tt.code {
				t.Errorf("expected error code %s, got %+v", tt.code, body.Error)
			}
		})
	}
}
