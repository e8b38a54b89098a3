// Package ai talks to an OpenAI-compatible chat completion endpoint (OpenAI,
// Gemini's OpenAI endpoint, local gateways) and classifies every failure as
// rate limited, transient or permanent so the caller can decide between
// rotating keys, backing off and giving up.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/domain"
	"github.com/tbourn/go-news-autopublisher/internal/utils"
)

const opComplete = "ai completion"

// quotaMarkers identify quota/exhaustion answers that some providers send
// with a non-429 status.
var quotaMarkers = []string{"insufficient_quota", "resource_exhausted", "rate_limit", "quota"}

// Request is one chat completion.
type Request struct {
	System string
	User   string
}

// Client is safe for concurrent use. One underlying go-openai client is kept
// per credential.
type Client struct {
	cfg  config.AIConfig
	http *http.Client

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewClient builds a Client for cfg. Per-call timeouts come from the caller's
// context.
func NewClient(cfg config.AIConfig) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		clients: map[string]*openai.Client{},
	}
}

func (c *Client) clientFor(secret string) *openai.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[secret]; ok {
		return cl
	}
	oc := openai.DefaultConfig(secret)
	if c.cfg.BaseURL != "" {
		oc.BaseURL = c.cfg.BaseURL
	}
	oc.HTTPClient = hintDoer{inner: c.http}
	cl := openai.NewClientWithConfig(oc)
	c.clients[secret] = cl
	return cl
}

// Complete sends req with the given credential and returns the answer text.
func (c *Client) Complete(ctx context.Context, secret string, req Request) (string, error) {
	var hint time.Duration
	ctx = context.WithValue(ctx, hintKey{}, &hint)

	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	creq := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: float32(c.cfg.Temperature),
	}
	if c.cfg.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.clientFor(secret).CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", Classify(err, hint)
	}
	if len(resp.Choices) == 0 {
		return "", domain.Transient(opComplete, 0, errors.New("empty choices"))
	}
	ch := resp.Choices[0]
	if ch.FinishReason == openai.FinishReasonContentFilter {
		return "", domain.Permanent(opComplete, 0, errors.New("answer blocked by content filter"))
	}
	text := strings.TrimSpace(ch.Message.Content)
	if text == "" {
		return "", domain.Transient(opComplete, 0, fmt.Errorf("empty answer (finish_reason=%s)", ch.FinishReason))
	}
	return text, nil
}

// Classify maps a go-openai error onto the domain error kinds. retryAfter is
// the provider's hint for 429 answers, if any.
func Classify(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if isQuota(apiErr) {
			return domain.RateLimited(opComplete, retryAfter, err)
		}
		if apiErr.HTTPStatusCode > 0 {
			return domain.FromStatus(opComplete, apiErr.HTTPStatusCode, retryAfter, err)
		}
		return domain.Permanent(opComplete, 0, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return domain.FromStatus(opComplete, reqErr.HTTPStatusCode, retryAfter, err)
	}
	return domain.FromTransport(opComplete, err)
}

func isQuota(e *openai.APIError) bool {
	if e.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}
	code := strings.ToLower(fmt.Sprint(e.Code) + " " + e.Type)
	for _, m := range quotaMarkers {
		if strings.Contains(code, m) {
			return true
		}
	}
	return false
}

type hintKey struct{}

// hintDoer records the Retry-After of 429 answers into the *time.Duration
// carried by the request context.
type hintDoer struct {
	inner *http.Client
}

func (d hintDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.inner.Do(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}
	if p, ok := req.Context().Value(hintKey{}).(*time.Duration); ok {
		*p = utils.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, err
}
