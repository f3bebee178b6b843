package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/tasks", nil)
	if _, err := ExtractBearerToken(r); err == nil {
		t.Fatalf("expected error for missing header")
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := ExtractBearerToken(r); err == nil {
		t.Fatalf("expected error for non-bearer header")
	}

	r.Header.Set("Authorization", "Bearer secret-token")
	tok, err := ExtractBearerToken(r)
	if err != nil {
		t.Fatalf("ExtractBearerToken: %v", err)
	}
	if tok != "secret-token" {
		t.Fatalf("got %q", tok)
	}
}

func TestAuthenticateAdminKey(t *testing.T) {
	t.Parallel()

	p, ok := Authenticate("admin-key", "admin-key", nil)
	if !ok {
		t.Fatalf("admin key must authenticate")
	}
	if !HasAnyScope(p, "tasks:rw") {
		t.Fatalf("admin must pass every scope check")
	}

	if _, ok := Authenticate("wrong", "admin-key", nil); ok {
		t.Fatalf("wrong key must not authenticate")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatalf("empty keys must never match")
	}
}

func TestAuthenticateScopedTokens(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"tasks:ro"}},
		{Token: "writer", Scopes: []string{"approvals:rw"}},
	}

	p, ok := Authenticate("reader", "admin-key", tokens)
	if !ok {
		t.Fatalf("reader must authenticate")
	}
	if !HasAnyScope(p, "tasks:ro") {
		t.Fatalf("reader missing tasks:ro")
	}
	if HasAnyScope(p, "approvals:rw") {
		t.Fatalf("reader must not hold approvals:rw")
	}

	p, ok = Authenticate("writer", "admin-key", tokens)
	if !ok {
		t.Fatalf("writer must authenticate")
	}
	if !HasAnyScope(p, "approvals:ro") {
		t.Fatalf("rw must imply ro")
	}
}
