package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ProviderCredits is the authoritative provider-side balance, kept
// separate from local accounting in API responses.
type ProviderCredits struct {
	Provider     string  `json:"provider"`
	TotalCredits float64 `json:"total_credits"`
	TotalUsage   float64 `json:"total_usage"`
	Remaining    float64 `json:"remaining"`
	FetchedAt    int64   `json:"fetched_at"`
	Error        string  `json:"error,omitempty"`
}

const openRouterCreditsEndpoint = "https://openrouter.ai/api/v1/credits"

// OpenRouterFetcher fetches the account balance from OpenRouter.
type OpenRouterFetcher struct {
	APIKey     string
	BaseURL    string // defaults to the public endpoint
	HTTPClient *http.Client
}

// Fetch retrieves the credit balance. Fetch errors are reported in the
// result rather than failing the request, so cost endpoints stay usable
// when the provider is unreachable.
func (f *OpenRouterFetcher) Fetch(ctx context.Context) (*ProviderCredits, error) {
	credits := &ProviderCredits{
		Provider:  "openrouter",
		FetchedAt: time.Now().UnixMilli(),
	}
	if f.APIKey == "" {
		credits.Error = "no API key configured"
		return credits, nil
	}

	client := f.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := f.BaseURL
	if endpoint == "" {
		endpoint = openRouterCreditsEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+f.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		credits.Error = err.Error()
		return credits, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		credits.Error = fmt.Sprintf("provider returned %d", resp.StatusCode)
		return credits, nil
	}

	var payload struct {
		Data struct {
			TotalCredits float64 `json:"total_credits"`
			TotalUsage   float64 `json:"total_usage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		credits.Error = fmt.Sprintf("decode credits: %v", err)
		return credits, nil
	}

	credits.TotalCredits = payload.Data.TotalCredits
	credits.TotalUsage = payload.Data.TotalUsage
	credits.Remaining = payload.Data.TotalCredits - payload.Data.TotalUsage
	return credits, nil
}
