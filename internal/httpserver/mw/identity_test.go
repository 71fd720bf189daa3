package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrSnakeDoc/shelf/internal/logger"
)

const testSecret = "s3cret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return tok
}

func validClaims(sub string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "idp",
		Audience:  jwt.ClaimStrings{"shelf"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := UserID(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(id))
	})
}

func TestIdentity(t *testing.T) {
	cfg := IdentityConfig{Secret: testSecret, Issuer: "idp", Audience: "shelf"}
	h := Identity(cfg, logger.NewNop())(echoUser())

	expired := validClaims("alice")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExpiry := validClaims("alice")
	noExpiry.ExpiresAt = nil

	wrongIssuer := validClaims("alice")
	wrongIssuer.Issuer = "other"

	wrongAudience := validClaims("alice")
	wrongAudience.Audience = jwt.ClaimStrings{"other"}

	tests := []struct {
		name     string
		method   string
		header   string
		query    string
		wantCode int
		wantUser string
	}{
		{name: "valid header", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("alice")), wantCode: 200, wantUser: "alice"},
		{name: "lowercase scheme", method: http.MethodPost, header: "bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("bob")), wantCode: 200, wantUser: "bob"},
		{name: "query token on GET", method: http.MethodGet, query: sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("alice")), wantCode: 200, wantUser: "alice"},
		{name: "query token ignored on POST", method: http.MethodPost, query: sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("alice")), wantCode: 401},
		{name: "missing", method: http.MethodGet, wantCode: 401},
		{name: "basic auth", method: http.MethodGet, header: "Basic YWxpY2U6cGFzcw==", wantCode: 401},
		{name: "wrong secret", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims("alice")), wantCode: 401},
		{name: "wrong algorithm", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS512, []byte(testSecret), validClaims("alice")), wantCode: 401},
		{name: "expired", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), expired), wantCode: 401},
		{name: "no expiry", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), noExpiry), wantCode: 401},
		{name: "wrong issuer", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), wantCode: 401},
		{name: "wrong audience", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), wrongAudience), wantCode: 401},
		{name: "empty subject", method: http.MethodGet, header: "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(testSecret), validClaims("  ")), wantCode: 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/bookmarks"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(tt.method, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantUser != "" && rec.Body.String() != tt.wantUser {
				t.Errorf("user = %q, want %q", rec.Body.String(), tt.wantUser)
			}
			if tt.wantCode == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestWithUserID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := UserID(req.Context()); ok {
		t.Fatal("UserID() on bare context should report false")
	}

	ctx := WithUserID(req.Context(), "alice")
	if id, ok := UserID(ctx); !ok || id != "alice" {
		t.Errorf("UserID() = %q, %v; want alice, true", id, ok)
	}
}
