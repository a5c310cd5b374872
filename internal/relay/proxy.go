// Package relay forwards chat-completion calls to the upstream model API with
// a server-held credential, and mints avatar streaming tokens.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/metrics"
)

const (
	defaultReferer = "http://localhost:3000"
	readChunk      = 32 * 1024
)

type Options struct {
	// UpstreamURL is the OpenRouter-compatible API base, e.g. https://openrouter.ai/api/v1.
	UpstreamURL string
	APIKey      string
	AppTitle    string
	// Referer is sent when the caller has no Origin header.
	Referer string

	AvatarURL    string
	AvatarAPIKey string

	Client *http.Client
}

// Proxy holds no per-request state; one instance serves every connection.
type Proxy struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Proxy {
	if opts.Referer == "" {
		opts.Referer = defaultReferer
	}
	client := opts.Client
	if client == nil {
		// no overall timeout: streams last as long as the model talks
		client = &http.Client{}
	}
	return &Proxy{opts: opts, client: client, log: log.With().Str("component", "relay").Logger()}
}

func jsonError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// ChatCompletions relays the request body to {upstream}/chat/completions and
// streams the answer back as it arrives.
func (p *Proxy) ChatCompletions(c *gin.Context) {
	if p.opts.APIKey == "" {
		metrics.IncRelayOutcome("config_error")
		p.log.Error().Msg("OPENROUTER_API_KEY is missing")
		jsonError(c, http.StatusInternalServerError, "OPENROUTER_API_KEY is missing")
		return
	}

	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		p.finishWithError(c, err)
		return
	}

	url := strings.TrimRight(p.opts.UpstreamURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		p.finishWithError(c, err)
		return
	}
	referer := c.GetHeader("Origin")
	if referer == "" {
		referer = p.opts.Referer
	}
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", referer)
	if p.opts.AppTitle != "" {
		req.Header.Set("X-Title", p.opts.AppTitle)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.finishWithError(c, err)
		return
	}
	defer resp.Body.Close()

	metrics.ObserveRelayStatus(resp.StatusCode)
	upstreamType := resp.Header.Get("Content-Type")
	h := c.Writer.Header()
	if strings.Contains(upstreamType, "text/event-stream") {
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Connection", "keep-alive")
	} else if upstreamType != "" {
		h.Set("Content-Type", upstreamType)
	} else {
		h.Set("Content-Type", "application/json; charset=utf-8")
	}
	h.Set("Cache-Control", "no-cache, no-transform")
	c.Status(resp.StatusCode)

	n, err := p.pipe(c, resp.Body)
	metrics.AddRelayBytes(n)
	if err != nil {
		p.finishWithError(c, err)
		return
	}
	// empty upstream body: the status line still has to go out
	c.Writer.WriteHeaderNow()
	metrics.IncRelayOutcome("completed")
	p.log.Debug().Int("status", resp.StatusCode).Int("bytes", n).Msg("relay finished")
}

// pipe copies upstream bytes downstream, flushing after every read.
func (p *Proxy) pipe(c *gin.Context, r io.Reader) (int, error) {
	buf := make([]byte, readChunk)
	total := 0
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			w, werr := c.Writer.Write(buf[:n])
			total += w
			if werr != nil {
				return total, werr
			}
			c.Writer.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// finishWithError ends the exchange after a failure. A cancelled caller is a
// normal end of stream; otherwise the error becomes a 500 unless bytes were
// already sent.
func (p *Proxy) finishWithError(c *gin.Context, err error) {
	if c.Request.Context().Err() != nil || errors.Is(err, context.Canceled) {
		metrics.IncRelayOutcome("cancelled")
		p.log.Debug().Err(err).Msg("client went away, upstream request cancelled")
		c.Abort()
		return
	}
	metrics.IncRelayOutcome("failed")
	if c.Writer.Written() {
		p.log.Warn().Err(err).Msg("relay interrupted after response started")
		c.Abort()
		return
	}
	p.log.Error().Err(err).Msg("relay failed")
	c.Writer.Header().Del("Content-Type")
	jsonError(c, http.StatusInternalServerError, err.Error())
}

type avatarTokenResp struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// AvatarToken mints a short-lived streaming token for the avatar client.
func (p *Proxy) AvatarToken(c *gin.Context) {
	if p.opts.AvatarAPIKey == "" {
		jsonError(c, http.StatusInternalServerError, "HEYGEN_API_KEY is missing")
		return
	}

	url := strings.TrimRight(p.opts.AvatarURL, "/") + "/v1/streaming.create_token"
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, url, nil)
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("x-api-key", p.opts.AvatarAPIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Msg("avatar token request failed")
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		jsonError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		c.Data(resp.StatusCode, ct, body)
		return
	}

	var decoded avatarTokenResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		jsonError(c, http.StatusInternalServerError, "Failed to fetch token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": decoded.Data.Token})
}
