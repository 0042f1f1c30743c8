package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIdentitySigningSecret = "secret"
	testIdentityIssuer        = "promptloom-identity"
	testIdentityUserID        = "user-123"
	testIdentityUserEmail     = "user@example.com"
)

func signIdentityToken(t *testing.T, claims IdentityClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testIdentitySigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIdentityVerifierAcceptsValidAssertion(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier, err := NewIdentityVerifier(IdentityVerifierConfig{
		SigningSecret: []byte(testIdentitySigningSecret),
		Issuer:        testIdentityIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	signed := signIdentityToken(t, IdentityClaims{
		UserID:    testIdentityUserID,
		UserEmail: testIdentityUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIdentityIssuer,
			Subject:   testIdentityUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := verifier.VerifyAssertion(signed)
	if err != nil {
		t.Fatalf("unexpected verification failure: %v", err)
	}
	if claims.UserID != testIdentityUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestIdentityVerifierRejectsExpiredAssertion(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier, err := NewIdentityVerifier(IdentityVerifierConfig{
		SigningSecret: []byte(testIdentitySigningSecret),
		Issuer:        testIdentityIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	signed := signIdentityToken(t, IdentityClaims{
		UserID: testIdentityUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIdentityIssuer,
			Subject:   testIdentityUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})

	if _, err := verifier.VerifyAssertion(signed); err == nil {
		t.Fatalf("expected expired token error")
	}
}

func TestIdentityVerifierRejectsWrongIssuer(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier, err := NewIdentityVerifier(IdentityVerifierConfig{
		SigningSecret: []byte(testIdentitySigningSecret),
		Issuer:        testIdentityIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	signed := signIdentityToken(t, IdentityClaims{
		UserID: testIdentityUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testIdentityUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	if _, err := verifier.VerifyAssertion(signed); err == nil {
		t.Fatalf("expected issuer mismatch error")
	}
}

func TestIdentityVerifierRejectsMissingSubject(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier, err := NewIdentityVerifier(IdentityVerifierConfig{
		SigningSecret: []byte(testIdentitySigningSecret),
		Issuer:        testIdentityIssuer,
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}

	signed := signIdentityToken(t, IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIdentityIssuer,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	if _, err := verifier.VerifyAssertion(signed); err == nil {
		t.Fatalf("expected missing subject error")
	}
}

func TestNewIdentityVerifierRequiresConfig(t *testing.T) {
	if _, err := NewIdentityVerifier(IdentityVerifierConfig{Issuer: testIdentityIssuer}); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
	if _, err := NewIdentityVerifier(IdentityVerifierConfig{SigningSecret: []byte("secret")}); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}
