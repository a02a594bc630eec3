package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// ErrAuthExpired indicates the identity provider rejected or revoked the
// bearer credential. Callers surface it as "reconnect required".
var ErrAuthExpired = errors.New("auth token expired")

// Token refresh happens this long before the reported expiry
const refreshMargin = 2 * time.Minute

// TokenSource manages the bearer credential issued by the identity provider.
// All outbound vendor calls attach its token; a 401 anywhere maps to
// ErrAuthExpired.
type TokenSource struct {
	mu           sync.Mutex
	baseURL      string
	apiKey       string
	client       *http.Client
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewTokenSource creates a token source for the identity provider endpoint
func NewTokenSource(baseURL, apiKey string) *TokenSource {
	return &TokenSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SetSession installs tokens obtained from an external login flow
func (t *TokenSource) SetSession(accessToken, refreshToken string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = accessToken
	t.refreshToken = refreshToken
	t.expiresAt = expiresAt
}

// Token returns a valid bearer token, refreshing when near expiry.
// Returns ErrAuthExpired when no usable credential exists.
func (t *TokenSource) Token() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken == "" {
		return "", ErrAuthExpired
	}
	if time.Until(t.expiresAt) > refreshMargin {
		return t.accessToken, nil
	}
	if t.refreshToken == "" {
		return "", ErrAuthExpired
	}
	if err := t.refreshLocked(); err != nil {
		return "", err
	}
	return t.accessToken, nil
}

// Clear drops the current credential
func (t *TokenSource) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = ""
	t.refreshToken = ""
	t.expiresAt = time.Time{}
}

func (t *TokenSource) refreshLocked() error {
	body, err := json.Marshal(map[string]string{"refresh_token": t.refreshToken})
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", t.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token refresh failed: %s", string(respBody))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return err
	}

	t.accessToken = result.AccessToken
	if result.RefreshToken != "" {
		t.refreshToken = result.RefreshToken
	}
	t.expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	log.Printf("[Auth] Token refreshed, valid until %s", t.expiresAt.Format(time.RFC3339))
	return nil
}
