package token

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func overrideValidateURL(t *testing.T, url string) {
	t.Helper()
	old := validateURL
	validateURL = url
	t.Cleanup(func() { validateURL = old })
}

func overrideTokenURL(t *testing.T, url string) {
	t.Helper()
	old := tokenURL
	tokenURL = url
	t.Cleanup(func() { tokenURL = old })
}

func writeBundle(t *testing.T, path string, b map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGetValidCredentialMissingFile(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"), "id", "secret", "", 120)
	if _, err := m.GetValidCredential(false); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGetValidCredentialValidNotExpiring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"login":      "mybot",
			"expires_in": 3600,
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tokens.json")
	writeBundle(t, path, map[string]interface{}{
		"access_token":  "abc123",
		"refresh_token": "r1",
	})

	m := NewManager(path, "id", "secret", "mybot", 120)
	m.HTTPClient = srv.Client()
	overrideValidateURL(t, srv.URL)

	tok, err := m.GetValidCredential(false)
	if err != nil {
		t.Fatalf("GetValidCredential: %v", err)
	}
	if tok != "abc123" {
		t.Fatalf("expected unchanged token, got %q", tok)
	}
}

func TestGetValidCredentialWrongAccountDoesNotRefresh(t *testing.T) {
	refreshed := false
	validateSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"login":      "someoneelse",
			"expires_in": 3600,
		})
	}))
	defer validateSrv.Close()
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshed = true
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "new"})
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "tokens.json")
	writeBundle(t, path, map[string]interface{}{
		"access_token":  "abc123",
		"refresh_token": "r1",
	})

	m := NewManager(path, "id", "secret", "mybot", 120)
	m.HTTPClient = validateSrv.Client()
	overrideValidateURL(t, validateSrv.URL)
	overrideTokenURL(t, tokenSrv.URL)

	_, err := m.GetValidCredential(false)
	if err == nil {
		t.Fatal("expected WrongAccount error")
	}
	if refreshed {
		t.Fatal("must not refresh on wrong-account mismatch (spec.md §4.A step 4)")
	}
}

func TestRefreshPersistsAtomicallyAndRotatesToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "newaccess",
			"refresh_token": "newrefresh",
			"expires_in":    14400,
			"token_type":    "bearer",
		})
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "tokens.json")
	writeBundle(t, path, map[string]interface{}{
		"access_token":  "oldaccess",
		"refresh_token": "oldrefresh",
		"custom_field":  "preserve-me",
	})

	m := NewManager(path, "id", "secret", "", 120)
	m.HTTPClient = tokenSrv.Client()
	overrideTokenURL(t, tokenSrv.URL)

	tok, err := m.GetValidCredential(true)
	if err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if tok != "newaccess" {
		t.Fatalf("expected newaccess, got %q", tok)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["access_token"] != "newaccess" {
		t.Fatalf("access_token not updated: %+v", raw)
	}
	if raw["refresh_token"] != "newrefresh" {
		t.Fatalf("refresh_token not rotated: %+v", raw)
	}
	if raw["custom_field"] != "preserve-me" {
		t.Fatalf("unknown keys not preserved: %+v", raw)
	}
	if raw["obtained_at"] == nil {
		t.Fatal("expected obtained_at to be stamped")
	}
}

func TestRefreshRetainsOldTokenWhenServerOmitsOne(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Server omits refresh_token: the old one must be retained.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "newaccess",
			"expires_in":   14400,
		})
	}))
	defer tokenSrv.Close()

	path := filepath.Join(t.TempDir(), "tokens.json")
	writeBundle(t, path, map[string]interface{}{
		"access_token":  "oldaccess",
		"refresh_token": "keepme",
	})

	m := NewManager(path, "id", "secret", "", 120)
	m.HTTPClient = tokenSrv.Client()
	overrideTokenURL(t, tokenSrv.URL)

	if _, err := m.GetValidCredential(true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}

	data, _ := os.ReadFile(path)
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	if raw["refresh_token"] != "keepme" {
		t.Fatalf("expected refresh_token retained, got %+v", raw["refresh_token"])
	}
}

func TestIRCPassPrefixesOnlyOnce(t *testing.T) {
	if got := IRCPass("abc"); got != "oauth:abc" {
		t.Fatalf("expected oauth:abc, got %q", got)
	}
	if got := IRCPass("oauth:abc"); got != "oauth:abc" {
		t.Fatalf("expected unchanged oauth:abc, got %q", got)
	}
}
