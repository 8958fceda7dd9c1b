package auth

import (
	"net/http/httptest"
	"testing"
)

func TestAuthenticateAPIKeyGrantsAdmin(t *testing.T) {
	p, ok := Authenticate("secret", "secret", nil)
	if !ok {
		t.Fatal("api key should authenticate")
	}
	if !HasAnyScope(p, ScopeDispatch) || !HasAnyScope(p, ScopeRead) {
		t.Error("admin wildcard should satisfy any scope")
	}
}

func TestAuthenticateScopedToken(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{ScopeRead}},
		{Token: "writer", Scopes: []string{ScopeDispatch}},
	}

	p, ok := Authenticate("reader", "", tokens)
	if !ok {
		t.Fatal("reader token should authenticate")
	}
	if HasAnyScope(p, ScopeDispatch) {
		t.Error("read token must not grant dispatch")
	}

	p, ok = Authenticate("writer", "", tokens)
	if !ok {
		t.Fatal("writer token should authenticate")
	}
	if !HasAnyScope(p, ScopeRead) {
		t.Error("dispatch should imply read")
	}
}

func TestAuthenticateRejectsUnknown(t *testing.T) {
	if _, ok := Authenticate("nope", "secret", []TokenConfig{{Token: "reader"}}); ok {
		t.Fatal("unknown token authenticated")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Fatal("empty token authenticated")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "missing header", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "empty token", header: "Bearer   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/v1/plugins", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractBearerToken: %v", err)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	ctx := WithPrincipal(r.Context(), Principal{Token: "abc"})

	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Token != "abc" {
		t.Fatalf("principal round trip failed: %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(r.Context()); ok {
		t.Error("bare context should have no principal")
	}
}
