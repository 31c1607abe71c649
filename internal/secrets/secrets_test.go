package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newVault(t *testing.T, handler http.HandlerFunc) *VaultProvider {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	vp, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", Namespace: "team-a"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func vaultHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Vault-Token") != "test-token" {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if r.Header.Get("X-Vault-Namespace") != "team-a" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.URL.Path {
	case "/v1/secret/data/codegate":
		w.Write(kvV2Response(map[string]any{"dsn": "postgres://u:p@db/codegate", "port": 5432}))
	case "/v1/secret/data/locked":
		w.WriteHeader(http.StatusForbidden)
	default:
		http.NotFound(w, r)
	}
}

func TestResolver_Literal(t *testing.T) {
	r := NewResolver(NewEnvProvider())
	for _, v := range []string{"file::memory:?cache=shared", "postgres://u:p@host/db", "plain"} {
		got, err := r.Resolve(context.Background(), v)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", v, err)
		}
		if got != v {
			t.Errorf("Resolve(%q) = %q, want unchanged", v, got)
		}
	}
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("CODEGATE_TEST_DSN", "postgres://from-env")
	r := NewResolver(NewEnvProvider())

	got, err := r.Resolve(context.Background(), "env://CODEGATE_TEST_DSN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://from-env" {
		t.Errorf("got %q", got)
	}

	_, err = r.Resolve(context.Background(), "env://CODEGATE_TEST_UNSET")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("CODEGATE_TEST_KEY", "k-123")
	r := NewResolver(NewEnvProvider())

	a, b, empty := "env://CODEGATE_TEST_KEY", "literal", ""
	if err := r.ResolveAll(context.Background(), &a, &b, &empty, nil); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if a != "k-123" || b != "literal" || empty != "" {
		t.Errorf("resolved = %q %q %q", a, b, empty)
	}

	bad := "env://CODEGATE_TEST_UNSET"
	if err := r.ResolveAll(context.Background(), &bad); err == nil {
		t.Error("expected error for unset variable")
	}
}

func TestVaultProvider_Resolve(t *testing.T) {
	r := NewResolver(NewEnvProvider(), newVault(t, vaultHandler))

	got, err := r.Resolve(context.Background(), "vault://secret/data/codegate#dsn")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "postgres://u:p@db/codegate" {
		t.Errorf("got %q", got)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	vp := newVault(t, vaultHandler)

	tests := []struct {
		name     string
		ref      string
		notFound bool
		contains string
	}{
		{"missing path", "secret/data/nope#dsn", true, "not found"},
		{"missing field", "secret/data/codegate#password", true, "field"},
		{"non string field", "secret/data/codegate#port", false, "not a string"},
		{"no field selector", "secret/data/codegate", false, "#field"},
		{"forbidden", "secret/data/locked#dsn", false, "access denied"},
		{"empty path", "#dsn", true, "empty vault path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := vp.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v (err: %v)", !tt.notFound, tt.notFound, err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestNewVaultProvider_EnvOverride(t *testing.T) {
	clearVaultEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Response(map[string]any{"key": "v"}))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")

	vp, err := NewVaultProvider(VaultConfig{Address: "http://ignored:1", Token: "ignored"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	got, err := vp.Resolve(context.Background(), "secret/data/x#key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "v" {
		t.Errorf("got %q", got)
	}
}

func TestNewVaultProvider_Required(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewVaultProvider(VaultConfig{Address: "http://vault:8200"}); err == nil {
		t.Error("expected error without token")
	}
}
