// Package corrector is the optional text-to-text refinement client: it
// asks a chat-completion endpoint for three candidate corrections plus a
// "best" pick, and falls back gracefully to the original text on any
// parse or transport failure. It is never fatal to the pipeline.
package corrector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucianhymer/asrgateway/internal/logger"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	APIURL  string
	Model   string
	Timeout time.Duration // default 30s

	HTTPClient *http.Client
	Logger     *logger.ContextLogger
}

// Client is the corrector HTTP client.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client with defaults applied.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

const promptTemplate = `You are correcting a speech-to-text transcript for clarity and correctness.
Given the text below, produce three candidate corrections and choose the best one.
Respond with strict JSON only, no surrounding prose, in this exact shape:
{"candidate_1": "...", "candidate_2": "...", "candidate_3": "...", "best": "..."}

Text: %s`

// terminalPunctuation is checked to decide whether to append a full stop
// on the fallback path.
var terminalPunctuation = []string{"。", "！", "？", ".", "!", "?"}

// Correct attempts to refine text via the configured chat-completion
// endpoint. On any failure it returns the input unchanged (optionally with
// a trailing full stop appended), never an error.
func (c *Client) Correct(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	reqBody, err := json.Marshal(map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": sprintfPrompt(text)},
		},
	})
	if err != nil {
		return fallback(text)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(reqBody))
	if err != nil {
		return fallback(text)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logWarn("corrector request failed: %v", err)
		return fallback(text)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logWarn("corrector returned status %d", resp.StatusCode)
		return fallback(text)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fallback(text)
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &chatResp); err != nil || len(chatResp.Choices) == 0 {
		c.logWarn("corrector response had no choices")
		return fallback(text)
	}

	best, ok := extractBest(chatResp.Choices[0].Message.Content)
	if !ok {
		return fallback(text)
	}
	return best
}

func sprintfPrompt(text string) string {
	return strings.Replace(promptTemplate, "%s", text, 1)
}

// bestAliasKeys mirrors the key variants the upstream template is known to
// produce across providers.
var bestAliasKeys = []string{"best", "Best", "最佳选择", "最佳", "best_choice", "candidate_1"}

func extractBest(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	var candidates map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &candidates); err != nil {
		return "", false
	}
	for _, key := range bestAliasKeys {
		if v, ok := candidates[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func fallback(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text
	}
	for _, p := range terminalPunctuation {
		if strings.HasSuffix(trimmed, p) {
			return trimmed
		}
	}
	return trimmed + "."
}

func (c *Client) logWarn(format string, args ...any) {
	if c.cfg.Logger != nil {
		c.cfg.Logger.Warn(format, args...)
	}
}
