package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EligibilityChecker answers whether a shop may currently request redemptions.
// Ownership of the underlying rule (subscription, staking, standing) lives
// with shop management; this service only consumes the boolean.
type EligibilityChecker interface {
	Eligible(ctx context.Context, shopID string) (bool, error)
}

// StaticEligibility approves a fixed set of shops. Used in tests and in
// deployments without a shop-management endpoint; an empty set approves all.
type StaticEligibility struct {
	Shops map[string]bool
}

// Eligible implements EligibilityChecker.
func (s StaticEligibility) Eligible(ctx context.Context, shopID string) (bool, error) {
	if len(s.Shops) == 0 {
		return true, nil
	}
	return s.Shops[strings.TrimSpace(shopID)], nil
}

// HTTPEligibility queries the shop-management service.
type HTTPEligibility struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPEligibility constructs a checker against the shop-management API.
func NewHTTPEligibility(baseURL string, timeout time.Duration) *HTTPEligibility {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPEligibility{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// Eligible implements EligibilityChecker.
func (h *HTTPEligibility) Eligible(ctx context.Context, shopID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/shops/%s/eligibility", h.BaseURL, url.PathEscape(strings.TrimSpace(shopID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("eligibility: build request: %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("eligibility: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("eligibility: status %s", resp.Status)
	}
	var payload struct {
		Eligible bool `json:"eligible"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("eligibility: decode: %w", err)
	}
	return payload.Eligible, nil
}
