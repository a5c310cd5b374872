package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client

	// Endpoint overrides BaseURL + "/chat/completions". It is set when the
	// provider talks to the relay instead of the upstream directly.
	Endpoint string
	// viaRelay lets the request go out without a key; the relay adds it.
	viaRelay bool
	// RelayToken, in relay mode, mints the bearer token identifying the
	// learner to the relay so its limiter counts per user.
	RelayToken func(userID uint64) (string, error)
}

type openRouterChatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = DefaultOpenRouterBaseURL
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		// no client timeout: streams are long-lived, ctx bounds the call
		Client: &http.Client{},
	}
}

// NewRelayProvider sends the same payload to the token relay, which holds the credential.
func NewRelayProvider(relayURL, model, siteURL string) *OpenRouterProvider {
	return &OpenRouterProvider{
		Endpoint: relayURL,
		Model:    model,
		SiteURL:  siteURL,
		Client:   &http.Client{},
		viaRelay: true,
	}
}

func (p *OpenRouterProvider) endpoint() string {
	if p.Endpoint != "" {
		return p.Endpoint
	}
	return fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
}

func (p *OpenRouterProvider) Chat(ctx context.Context, r Request) (Result, error) {
	if p.Client == nil {
		return nil, errors.New("openrouter: http client is nil")
	}
	if !p.viaRelay && strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
	model := strings.TrimSpace(r.Model)
	if model == "" {
		model = strings.TrimSpace(p.Model)
	}
	if model == "" {
		return nil, errors.New("openrouter: model is required")
	}

	b, err := json.Marshal(openRouterChatReq{
		Model:       model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		Stream:      r.Stream,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case p.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	case p.viaRelay && p.RelayToken != nil && r.UserID != 0:
		tok, err := p.RelayToken(r.UserID)
		if err != nil {
			return nil, fmt.Errorf("openrouter: relay token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
		if p.viaRelay {
			req.Header.Set("Origin", p.SiteURL)
		}
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, cancelled(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &StatusError{Provider: "openrouter", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		tokens := func(yield func(string, error) bool) {
			for tok, err := range EventTokens(resp.Body) {
				if err != nil {
					yield("", cancelled(ctx, err))
					return
				}
				if !yield(tok, nil) {
					return
				}
			}
			// a cancelled body can look like a clean EOF to the scanner
			if err := ctx.Err(); err != nil {
				yield("", cancelled(ctx, err))
			}
		}
		return NewStreamed(tokens, resp.Body), nil
	}

	defer resp.Body.Close()
	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, cancelled(ctx, fmt.Errorf("openrouter: decode response: %w", err))
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("openrouter: empty response")
	}
	return Complete{Text: decoded.Choices[0].Message.Content}, nil
}
