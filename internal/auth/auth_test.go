package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "test-signing-key-0123456789"
	testIssuer = "attendance-engine"
)

func TestIssueParse(t *testing.T) {
	tok, exp, err := Issue("lect-1", RoleLecturer, []string{"IF-101"}, testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("exp=%s", exp)
	}
	claims, err := Parse(tok, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "lect-1" || claims.Role != RoleLecturer || !claims.CanManage("IF-101") || claims.CanManage("IF-102") {
		t.Fatalf("claims=%+v", claims)
	}

	if _, err := Parse(tok, "another-signing-key-xxxxxxxx", testIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong key err=%v", err)
	}
	if _, err := Parse(tok, testKey, "someone-else"); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("issuer err=%v", err)
	}
	expired, _, _ := Issue("lect-1", RoleLecturer, nil, testIssuer, testKey, -time.Minute)
	if _, err := Parse(expired, testKey, testIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired err=%v", err)
	}
}

func TestCanManage(t *testing.T) {
	cases := []struct {
		claims Claims
		want   bool
	}{
		{Claims{Role: RoleAdmin}, true},
		{Claims{Role: RoleLecturer, Classes: []string{"IF-101"}}, true},
		{Claims{Role: RoleLecturer, Classes: []string{"IF-202"}}, false},
		{Claims{Role: RoleStudent, Classes: []string{"IF-101"}}, false},
		{Claims{Role: RoleDevice}, false},
	}
	for _, tc := range cases {
		if got := tc.claims.CanManage("IF-101"); got != tc.want {
			t.Fatalf("%+v: got %v", tc.claims, got)
		}
	}
}

func TestBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/lecturer", Bearer(testKey, testIssuer, RoleLecturer), func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Subject)
	})

	lecturer, _, _ := Issue("lect-1", RoleLecturer, nil, testIssuer, testKey, time.Minute)
	student, _, _ := Issue("stu-1", RoleStudent, nil, testIssuer, testKey, time.Minute)
	admin, _, _ := Issue("root", RoleAdmin, nil, testIssuer, testKey, time.Minute)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"wrong role", "Bearer " + student, http.StatusForbidden},
		{"lecturer", "Bearer " + lecturer, http.StatusOK},
		{"admin", "bearer " + admin, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/lecturer", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
		})
	}
}
