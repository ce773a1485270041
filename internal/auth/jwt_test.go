package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-evidence/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer", JWTAudience: "aud"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return v
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Unix(1700000000, 0).UTC()

	tok, err := v.Issue(now, TokenTypeAccess, Identity{UserID: "user-1", OrganizationID: "org-1", Role: "viewer"}, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := v.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.OrganizationID != "org-1" || claims.Role != "viewer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsRefreshToken(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()
	tok, err := v.Issue(now, TokenTypeRefresh, Identity{UserID: "u", OrganizationID: "o", Role: "viewer"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.Verify(tok, now); err != ErrTokenType {
		t.Fatalf("expected ErrTokenType, got %v", err)
	}
}

func TestVerifyRejectsExpiredAndMissingIdentity(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Unix(1700000000, 0).UTC()

	expired, _ := v.Issue(now, TokenTypeAccess, Identity{UserID: "u", OrganizationID: "o", Role: "viewer"}, time.Minute)
	if _, err := v.Verify(expired, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry error")
	}

	noOrg, _ := v.Issue(now, TokenTypeAccess, Identity{UserID: "u", Role: "viewer"}, time.Minute)
	if _, err := v.Verify(noOrg, now); err != ErrMissingIdentity {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := newTestVerifier(t)
	tok, _ := v.Issue(time.Now(), TokenTypeAccess, Identity{UserID: "u", OrganizationID: "o", Role: "viewer"}, time.Minute)

	var got Identity
	r := gin.New()
	r.GET("/x", RequireAccessToken(v), func(c *gin.Context) {
		got, _ = IdentityFrom(c.Request.Context())
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got != (Identity{UserID: "u", OrganizationID: "o", Role: "viewer"}) {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestRequireAccessToken_RejectsMissingBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RequireAccessToken(newTestVerifier(t)), func(c *gin.Context) { c.Status(200) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestIdentityFrom_RequiresAllParts(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u", "", "viewer")
	if _, err := IdentityFrom(ctx); err == nil {
		t.Fatalf("expected error for missing organization")
	}
}
