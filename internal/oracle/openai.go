package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultModel     = "gpt-4o"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 60 * time.Second
)

const systemPrompt = "You are an expert pricing analyst. Provide data-driven pricing recommendations. " +
	"End your answer with a line of the form \"Recommended price: $X.XX\"."

// OpenAIClient asks an OpenAI-compatible chat completions API for a price.
type OpenAIClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(baseURL string) OpenAIOption {
	return func(c *OpenAIClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = hc }
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIClient creates a client. An API key is required.
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	c := &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  DefaultMaxTokens,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name implements Suggester.
func (c *OpenAIClient) Name() string { return ProviderOpenAI }

// Suggest implements Suggester.
func (c *OpenAIClient) Suggest(ctx context.Context, query string, products []pricing.Product) (Suggestion, error) {
	if len(products) == 0 {
		return Suggestion{}, ErrNoProducts
	}
	market := MarketContext(products)
	request := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(query, products[0], market)},
		},
		MaxTokens:   c.maxTokens,
		Temperature: 0.1,
	}

	body, err := c.makeRequest(ctx, "chat/completions", request)
	if err != nil {
		return Suggestion{}, fmt.Errorf("OpenAI API request failed: %w", err)
	}
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Suggestion{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Suggestion{}, fmt.Errorf("OpenAI API returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	return Suggestion{
		Price:         ExtractPrice(content),
		Rationale:     content,
		MarketContext: market,
		Provider:      ProviderOpenAI,
	}, nil
}

func buildPrompt(query string, p pricing.Product, market string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\n", query)
	fmt.Fprintf(&b, "Provide a pricing recommendation for %s (SKU: %s).\n", p.Name, p.ID)
	fmt.Fprintf(&b, "Current price: %s\nCost: %s\nStock level: %d units\n",
		pricing.FormatMoney(p.CurrentPrice), pricing.FormatMoney(p.Cost), p.StockLevel)
	fmt.Fprintf(&b, "Current margin: %.1f%% (target %.1f%%)\n", p.MarginPercent(p.CurrentPrice), p.TargetMarginPercent)
	fmt.Fprintf(&b, "Sales in the last %d hours: %d units\n", pricing.SalesWindowHours, p.RecentSales())
	fmt.Fprintf(&b, "Price elasticity: %.2f\n\n", p.Elasticity)
	fmt.Fprintf(&b, "Market context:\n%s\n\n", market)
	b.WriteString("Consider market positioning, profit margins and the competitive landscape.")
	return b.String()
}

func (c *OpenAIClient) makeRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	requestURL, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to join url path: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}
