package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/nvoss/dmpilot/internal/auth"
)

// ErrLimitReached rejects a settings mutation that would exceed the tier's
// auto-pilot quota. Its message is surfaced to the UI verbatim.
var ErrLimitReached = errors.New("auto-reply limit reached for your plan")

// Tiers reported by the billing provider
const (
	TierFree = "free"
	TierPaid = "paid"
)

// Free tier allows auto-pilot on this many chats; paid is unlimited
const freeAutoReplyLimit = 2

const membershipCacheTTL = 5 * time.Minute

// Membership gates auto-pilot transitions on the billing provider's tier.
// The provider itself is out of scope; only the tier boolean and the quota
// are consumed here.
type Membership struct {
	baseURL string
	apiKey  string
	tokens  *auth.TokenSource
	client  *http.Client

	mu         sync.Mutex
	cachedTier string
	cachedAt   time.Time
}

// NewMembership creates a membership gate
func NewMembership(baseURL, apiKey string, tokens *auth.TokenSource) *Membership {
	return &Membership{
		baseURL: baseURL,
		apiKey:  apiKey,
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Tier returns the account's tier, defaulting to free when the provider is
// unreachable. Failing closed here would lock paying users out of a feature
// they bought over a blip; the quota check still runs.
func (m *Membership) Tier(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cachedTier != "" && time.Since(m.cachedAt) < membershipCacheTTL {
		return m.cachedTier
	}

	tier, err := m.fetchTier(ctx)
	if err != nil {
		log.Printf("[Billing] Tier lookup failed, assuming free: %v", err)
		return TierFree
	}
	m.cachedTier = tier
	m.cachedAt = time.Now()
	return tier
}

// CheckAutoReplyQuota returns ErrLimitReached when enabling auto-pilot on
// one more chat would exceed the tier's quota.
func (m *Membership) CheckAutoReplyQuota(ctx context.Context, currentCount int64) error {
	tier := m.Tier(ctx)
	if tier == TierPaid {
		return nil
	}
	if currentCount >= freeAutoReplyLimit {
		return fmt.Errorf("%w (%d/%d chats on the free plan)", ErrLimitReached, currentCount, freeAutoReplyLimit)
	}
	return nil
}

func (m *Membership) fetchTier(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL+"/functions/v1/validate-membership", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("apikey", m.apiKey)
	if m.tokens != nil {
		token, err := m.tokens.Token()
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", auth.ErrAuthExpired
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("membership lookup failed (%d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Tier string `json:"tier"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.Tier != TierFree && result.Tier != TierPaid {
		return TierFree, nil
	}
	return result.Tier, nil
}
