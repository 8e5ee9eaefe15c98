package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func options() Options {
	return Options{
		Secret:   secret,
		Issuer:   "merchrewards",
		Audience: "merchrewards-api",
	}
}

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":     "42",
		"iss":     "merchrewards",
		"aud":     "merchrewards-api",
		"exp":     time.Now().Add(time.Hour).Unix(),
		"wallets": []interface{}{"0xAB5801a7D398351b8bE11C439e05C5B3259aeC9B"},
	}
}

func serve(t *testing.T, token string) (*httptest.ResponseRecorder, *Claims) {
	t.Helper()
	var captured *Claims
	handler := Middleware(options())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, captured
}

func TestMiddlewareExtractsClaims(t *testing.T) {
	w, claims := serve(t, mint(t, baseClaims()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if claims == nil {
		t.Fatal("expected claims on context")
	}
	if claims.SubjectID != 42 {
		t.Fatalf("expected subject 42, got %d", claims.SubjectID)
	}
	if claims.Role != RoleMember {
		t.Fatalf("expected member default role, got %s", claims.Role)
	}
	// Wallet bindings are normalized to lower case.
	if !claims.HasWallet("0xab5801a7d398351b8be11c439e05c5b3259aec9b") {
		t.Fatal("expected wallet to be bound")
	}
	if claims.HasWallet("0x1111111111111111111111111111111111111111") {
		t.Fatal("unexpected wallet binding")
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	if w, _ := serve(t, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	if w, _ := serve(t, mint(t, expired)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", w.Code)
	}

	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "someone-else"
	if w, _ := serve(t, mint(t, wrongIssuer)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong issuer, got %d", w.Code)
	}

	badSubject := baseClaims()
	badSubject["sub"] = "not-a-number"
	if w, _ := serve(t, mint(t, badSubject)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-numeric subject, got %d", w.Code)
	}

	badRole := baseClaims()
	badRole["role"] = "superuser"
	if w, _ := serve(t, mint(t, badRole)); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown role, got %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	handler := Middleware(options())(RequireRole(RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	operator := baseClaims()
	operator["role"] = string(RoleOperator)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mint(t, operator))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for operator, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+mint(t, baseClaims()))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", w.Code)
	}
}
