package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "super-secret"
	testIssuer        = "safeschool-cloud"
	testAudience      = "safeschool-admin"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesOperatorTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueOperatorToken(context.Background(), "ops-1", []string{RoleOperator})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &OperatorClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "ops-1" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != testIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != testAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
	if !claims.HasRole(RoleOperator, RoleAdmin) {
		t.Fatalf("expected operator role, got %#v", claims.Roles)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		config TokenIssuerConfig
		want   error
	}{
		{name: "missing secret", config: TokenIssuerConfig{Issuer: testIssuer, Audience: testAudience}, want: ErrMissingSigningSecret},
		{name: "missing issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Audience: testAudience}, want: ErrMissingIssuer},
		{name: "blank audience", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: testIssuer, Audience: " "}, want: ErrMissingAudience},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewTokenIssuer(testCase.config)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueOperatorToken(context.Background(), "ops-2", []string{RoleAdmin})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	claims, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "ops-2" || !claims.HasRole(RoleAdmin) {
		t.Fatalf("unexpected claims %#v", claims)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
	if _, err := issuer.ValidateToken(" "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })
	tokenString, _, err := issuer.IssueOperatorToken(context.Background(), "ops-3", nil)
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	later := newTestIssuer(t, func() time.Time { return now.Add(time.Hour) })
	if _, err := later.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      "someone-else",
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := foreign.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience mismatch to be rejected, got %v", err)
	}
}

func TestTokenIssuerValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueOperatorToken(context.Background(), "ops-4", []string{RoleOperator})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest("GET", "/admin/sites/s1/cluster", nil)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	request.Header.Set("Authorization", "bearer "+tokenString)
	claims, err := issuer.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.Subject != "ops-4" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}
