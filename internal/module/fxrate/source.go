package fxrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Source fetches a live exchange rate for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (float64, error)
}

const sourceTimeout = 10 * time.Second

// OpenERAPISource fetches rates from open.er-api.com.
type OpenERAPISource struct {
	client *http.Client
}

// NewOpenERAPISource creates a new open.er-api.com source.
func NewOpenERAPISource() *OpenERAPISource {
	return &OpenERAPISource{client: &http.Client{Timeout: sourceTimeout}}
}

// Name returns the source name.
func (s *OpenERAPISource) Name() string {
	return "open.er-api.com"
}

// Fetch fetches the base→quote rate.
func (s *OpenERAPISource) Fetch(ctx context.Context, base, quote string) (float64, error) {
	url := fmt.Sprintf("https://open.er-api.com/v6/latest/%s", base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch rate: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Result string             `json:"result"`
		Rates  map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate response: %w", err)
	}
	if body.Result != "success" {
		return 0, fmt.Errorf("rate lookup failed: result=%s", body.Result)
	}

	rate, ok := body.Rates[quote]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no %s rate in response", quote)
	}
	return rate, nil
}

// ExchangerateHostSource fetches rates from api.exchangerate.host.
type ExchangerateHostSource struct {
	client *http.Client
}

// NewExchangerateHostSource creates a new api.exchangerate.host source.
func NewExchangerateHostSource() *ExchangerateHostSource {
	return &ExchangerateHostSource{client: &http.Client{Timeout: sourceTimeout}}
}

// Name returns the source name.
func (s *ExchangerateHostSource) Name() string {
	return "api.exchangerate.host"
}

// Fetch fetches the base→quote rate.
func (s *ExchangerateHostSource) Fetch(ctx context.Context, base, quote string) (float64, error) {
	url := fmt.Sprintf("https://api.exchangerate.host/latest?base=%s&symbols=%s", base, quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch rate: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Success bool               `json:"success"`
		Rates   map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate response: %w", err)
	}

	rate, ok := body.Rates[quote]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no %s rate in response", quote)
	}
	return rate, nil
}
