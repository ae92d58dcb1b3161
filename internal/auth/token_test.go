package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv(secretEnvVariable, value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParse(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken(42, []string{"Administrador", "consulta", "administrador"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.UserID() != 42 {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != "territoria" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "administrador" || claims.Roles[1] != "consulta" {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	withSecret(t, "first")
	token, err := GenerateToken(1, nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	withSecret(t, "second")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsNonNumericSubject(t *testing.T) {
	withSecret(t, "test-secret")
	now := time.Now().UTC()
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}})
	signed, err := raw.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredAndForeignAudience(t *testing.T) {
	withSecret(t, "test-secret")
	now := time.Now().UTC()
	cases := map[string]jwt.RegisteredClaims{
		"expired": {
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   "1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		"audience": {
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"other-api"},
			Subject:   "1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		"no expiry": {
			Issuer:   issuer,
			Audience: jwt.ClaimStrings{audience},
			Subject:  "1",
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	for name, rc := range cases {
		t.Run(name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: rc}).SignedString([]byte("test-secret"))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestSetSecretOverridesEnvironment(t *testing.T) {
	withSecret(t, "from-env")
	SetSecret("from-config")
	token, err := GenerateToken(3, nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	withSecret(t, "from-env")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token signed with config secret verified against env secret: %v", err)
	}
	SetSecret("from-config")
	if _, err := ParseAndValidate(token); err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	withSecret(t, "")
	if _, err := GenerateToken(1, nil, time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if ActorFromContext(ctx) != nil {
		t.Fatal("expected no actor on empty context")
	}
	ctx = ContextWithUser(ctx, 7, []string{"Operador", "Operador", "consulta"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != 7 {
		t.Fatalf("unexpected user id: %d, ok=%v", id, ok)
	}
	if actor := ActorFromContext(ctx); actor == nil || *actor != 7 {
		t.Fatalf("unexpected actor: %v", actor)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "operador") || !HasAnyRole(ctx, "administrador", "consulta") {
		t.Fatalf("role checks failed: %v", roles)
	}
	if HasAnyRole(ctx, "administrador") {
		t.Fatal("unexpected role found")
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "s3cret-pass"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestPasswordLengthAndCost(t *testing.T) {
	if err := CheckPasswordLength("short"); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected ErrPasswordLength, got %v", err)
	}
	if err := CheckPasswordLength(strings.Repeat("x", MaxPasswordLength+1)); !errors.Is(err, ErrPasswordLength) {
		t.Fatalf("expected ErrPasswordLength, got %v", err)
	}
	hash, err := HashPassword("Admin123!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if NeedsRehash(hash) {
		t.Fatal("fresh hash reported as stale")
	}
	if !NeedsRehash("not-a-hash") {
		t.Fatal("garbage hash not flagged")
	}
}
