package authx

import "testing"

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write",
	}
	roles := parseRoles(claims)
	if len(roles) < 3 {
		t.Fatalf("expected roles to include entries, got %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestStringClaim(t *testing.T) {
	claims := map[string]any{"email": " d@yard.io ", "name": nil}
	if got := stringClaim(claims, "email"); got != "d@yard.io" {
		t.Fatalf("expected trimmed email, got %q", got)
	}
	if got := stringClaim(claims, "name"); got != "" {
		t.Fatalf("nil claim should be empty, got %q", got)
	}
	if got := stringClaim(claims, "missing"); got != "" {
		t.Fatalf("missing claim should be empty, got %q", got)
	}
}
