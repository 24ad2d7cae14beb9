package servicetoken

import (
	"net/http"
	"testing"
	"time"
)

const testSecret = "unit-test-secret"

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner("bookgen", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier("bookgen-internal", testSecret, []string{"bookgen"}, 0)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := signer.Sign("bookgen-internal")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "bookgen" || claims.Subject != "bookgen" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti to be set")
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	signer, _ := NewSigner("bookgen", testSecret, time.Minute)
	verifier, _ := NewVerifier("bookgen-internal", testSecret, []string{"bookgen"}, 0)

	token, err := signer.Sign("other-service")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected audience mismatch error")
	}
}

func TestVerifyRejectsUnknownIssuer(t *testing.T) {
	signer, _ := NewSigner("rogue", testSecret, time.Minute)
	verifier, _ := NewVerifier("bookgen-internal", testSecret, []string{"bookgen"}, 0)

	token, err := signer.Sign("bookgen-internal")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected issuer rejection")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer, _ := NewSigner("bookgen", "another-secret", time.Minute)
	verifier, _ := NewVerifier("bookgen-internal", testSecret, []string{"bookgen"}, 0)

	token, err := signer.Sign("bookgen-internal")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected signature verification failure")
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	verifier, _ := NewVerifier("bookgen-internal", testSecret, []string{"bookgen"}, 0)
	if _, err := verifier.Verify("  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestNewSignerValidation(t *testing.T) {
	if _, err := NewSigner("", testSecret, time.Minute); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewSigner("bookgen", "", time.Minute); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}

func TestNewVerifierValidation(t *testing.T) {
	if _, err := NewVerifier("", testSecret, []string{"bookgen"}, 0); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewVerifier("bookgen-internal", testSecret, nil, 0); err == nil {
		t.Fatalf("expected error for empty issuer allowlist")
	}
}

func TestBearerToken(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/internal/responses/1", nil)
	if _, ok := BearerToken(r); ok {
		t.Fatalf("expected no token without header")
	}
	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	token, ok := BearerToken(r)
	if !ok || token != "abc.def.ghi" {
		t.Fatalf("unexpected token: %q ok=%v", token, ok)
	}
}
