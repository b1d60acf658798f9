// Package token manages the chat credential lifecycle: validate,
// refresh, and atomic on-disk persistence, as specified in spec.md
// §4.A.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// var, not const, so tests can point them at a local stub server.
var (
	tokenURL    = "https://id.twitch.tv/oauth2/token"
	validateURL = "https://id.twitch.tv/oauth2/validate"
)

// Sentinel errors forming the taxonomy of spec.md §7.
var (
	ErrCredentialMissing = errors.New("token: credential missing or invalid")
	ErrWrongAccount      = errors.New("token: credential belongs to a different account")
	ErrRefreshFailed     = errors.New("token: refresh failed")
	ErrPersistFailed     = errors.New("token: failed to persist credential")
)

// Bundle is the on-disk credential document (spec.md §6).
type Bundle struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Scope        []string `json:"scope,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresIn    int      `json:"expires_in,omitempty"`
	ObtainedAt   int64    `json:"obtained_at,omitempty"`

	// extra preserves unknown keys across merge-on-write, per
	// spec.md §4.A "preserving unknown keys".
	extra map[string]interface{}
}

// Manager loads, validates, and refreshes a credential stored as JSON
// at Path.
type Manager struct {
	Path           string
	ClientID       string
	ClientSecret   string
	ExpectedLogin  string // lowercased bot login; empty disables the check
	MinTTLSec      int
	HTTPClient     *http.Client
}

// NewManager builds a Manager with a default 15s HTTP client timeout,
// matching the original's requests.get/post timeout values.
func NewManager(path, clientID, clientSecret, expectedLogin string, minTTLSec int) *Manager {
	return &Manager{
		Path:          path,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		ExpectedLogin: strings.ToLower(expectedLogin),
		MinTTLSec:     minTTLSec,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (m *Manager) readFile() (Bundle, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrCredentialMissing, err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrCredentialMissing, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrCredentialMissing, err)
	}
	if b.AccessToken == "" {
		return Bundle{}, fmt.Errorf("%w: missing access_token", ErrCredentialMissing)
	}
	b.extra = raw
	return b, nil
}

func (m *Manager) writeFileAtomic(b Bundle) error {
	dir := filepath.Dir(m.Path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	payload := b.extra
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["access_token"] = b.AccessToken
	if b.RefreshToken != "" {
		payload["refresh_token"] = b.RefreshToken
	}
	if b.Scope != nil {
		payload["scope"] = b.Scope
	}
	if b.TokenType != "" {
		payload["token_type"] = b.TokenType
	}
	if b.ExpiresIn != 0 {
		payload["expires_in"] = b.ExpiresIn
	}
	if b.ObtainedAt != 0 {
		payload["obtained_at"] = b.ObtainedAt
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	tmp, err := os.CreateTemp(dir, "tokens_*.json")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	if err := os.Rename(tmpPath, m.Path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

type validateResponse struct {
	Login     string `json:"login"`
	ExpiresIn int    `json:"expires_in"`
}

func (m *Manager) validate(accessToken string) (*validateResponse, error) {
	req, err := http.NewRequest(http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validate: HTTP %d", resp.StatusCode)
	}
	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

type refreshResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
}

func (m *Manager) refresh(oldRefreshToken string) (Bundle, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {oldRefreshToken},
		"client_id":     {m.ClientID},
		"client_secret": {m.ClientSecret},
	}
	resp, err := m.HTTPClient.PostForm(tokenURL, form)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Bundle{}, fmt.Errorf("%w: HTTP %d", ErrRefreshFailed, resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if rr.AccessToken == "" {
		return Bundle{}, fmt.Errorf("%w: response missing access_token", ErrRefreshFailed)
	}

	existing, _ := m.readFile()

	nb := Bundle{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		Scope:        rr.Scope,
		TokenType:    rr.TokenType,
		ExpiresIn:    rr.ExpiresIn,
		ObtainedAt:   time.Now().Unix(),
		extra:        existing.extra,
	}
	// Platform rotates the refresh token; retain the old one only if
	// the response omitted a new one (spec.md §4.A).
	if nb.RefreshToken == "" {
		nb.RefreshToken = oldRefreshToken
	}
	if nb.Scope == nil {
		nb.Scope = existing.Scope
	}
	if nb.TokenType == "" {
		nb.TokenType = existing.TokenType
	}

	if err := m.writeFileAtomic(nb); err != nil {
		return Bundle{}, err
	}
	return nb, nil
}

// GetValidCredential implements spec.md §4.A's decision: validate, then
// refresh if invalid or expiring soon. A token belonging to a different
// account fails with ErrWrongAccount and is not refreshed.
func (m *Manager) GetValidCredential(forceRefresh bool) (string, error) {
	b, err := m.readFile()
	if err != nil {
		return "", err
	}

	if forceRefresh {
		if b.RefreshToken == "" {
			return "", fmt.Errorf("%w: force_refresh requested but no refresh_token", ErrRefreshFailed)
		}
		nb, err := m.refresh(b.RefreshToken)
		if err != nil {
			return "", err
		}
		return nb.AccessToken, nil
	}

	info, err := m.validate(b.AccessToken)
	if err != nil || info == nil {
		if b.RefreshToken == "" {
			return "", fmt.Errorf("%w: invalid token and no refresh_token available", ErrRefreshFailed)
		}
		nb, err := m.refresh(b.RefreshToken)
		if err != nil {
			return "", err
		}
		return nb.AccessToken, nil
	}

	if m.ExpectedLogin != "" && info.Login != "" && strings.ToLower(info.Login) != m.ExpectedLogin {
		return "", fmt.Errorf("%w: token belongs to %q, expected %q", ErrWrongAccount, info.Login, m.ExpectedLogin)
	}

	if info.ExpiresIn <= m.MinTTLSec {
		if b.RefreshToken == "" {
			return "", fmt.Errorf("%w: token expiring soon and no refresh_token available", ErrRefreshFailed)
		}
		nb, err := m.refresh(b.RefreshToken)
		if err != nil {
			return "", err
		}
		return nb.AccessToken, nil
	}

	return b.AccessToken, nil
}

// IRCPass returns the IRC PASS value ("oauth:<token>", prefixing only
// if not already present).
func IRCPass(accessToken string) string {
	if strings.HasPrefix(accessToken, "oauth:") {
		return accessToken
	}
	return "oauth:" + accessToken
}

// GetIRCPass is a convenience wrapper combining GetValidCredential and
// IRCPass.
func (m *Manager) GetIRCPass(forceRefresh bool) (string, error) {
	tok, err := m.GetValidCredential(forceRefresh)
	if err != nil {
		return "", err
	}
	return IRCPass(tok), nil
}

// CredentialSource is what the Gateway needs to authenticate: a
// single operation producing the current IRC PASS value. Manager
// implements it via validate/refresh; StaticCredential implements it
// for operators who manage rotation externally (spec.md §6's
// TWITCH_OAUTH alternative to TWITCH_TOKEN_FILE).
type CredentialSource interface {
	GetIRCPass(forceRefresh bool) (string, error)
}

// StaticCredential wraps a pre-obtained access token that never
// refreshes itself.
type StaticCredential struct {
	AccessToken string
}

// NewStaticManager returns a CredentialSource backed by a fixed token.
func NewStaticManager(accessToken string) *StaticCredential {
	return &StaticCredential{AccessToken: accessToken}
}

// GetIRCPass always returns the same static credential.
func (s *StaticCredential) GetIRCPass(bool) (string, error) {
	return IRCPass(s.AccessToken), nil
}
