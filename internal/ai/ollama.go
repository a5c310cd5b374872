package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
)

// OllamaProvider talks to a local Ollama server. It is usually the last
// candidate, used when every hosted model is unavailable.
type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

type ollamaStreamResp struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: baseURL,
		Model:   model,
		Client:  &http.Client{},
	}
}

type ollamaChatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, r Request) (Result, error) {
	if p.Client == nil {
		return nil, errors.New("ollama: http client is nil")
	}
	model := strings.TrimSpace(r.Model)
	if model == "" {
		model = p.Model
	}

	reqBody := ollamaChatReq{
		Model:    model,
		Messages: r.Messages,
		Stream:   r.Stream,
	}
	if r.Temperature > 0 {
		reqBody.Options = map[string]any{"temperature": r.Temperature}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/chat", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, cancelled(ctx, err)
	}

	// ollama answers 404 for a model that was never pulled
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, &StatusError{Provider: "ollama", Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if r.Stream {
		return NewStreamed(ollamaTokens(ctx, resp.Body), resp.Body), nil
	}

	defer resp.Body.Close()
	var decoded ollamaStreamResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, cancelled(ctx, err)
	}
	if decoded.Error != "" {
		return nil, errors.New(decoded.Error)
	}
	return Complete{Text: decoded.Message.Content}, nil
}

// ollamaTokens reads newline-delimited JSON chunks until one is marked done.
func ollamaTokens(ctx context.Context, body io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sc := bufio.NewScanner(body)
		// Increase scanner buffer for long JSON lines.
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}

			var decoded ollamaStreamResp
			if err := json.Unmarshal(line, &decoded); err != nil {
				yield("", err)
				return
			}
			if decoded.Error != "" {
				yield("", errors.New(decoded.Error))
				return
			}
			if decoded.Message.Content != "" {
				if !yield(decoded.Message.Content, nil) {
					return
				}
			}
			if decoded.Done {
				return
			}
		}

		if err := sc.Err(); err != nil {
			yield("", cancelled(ctx, err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield("", cancelled(ctx, err))
		}
	}
}
