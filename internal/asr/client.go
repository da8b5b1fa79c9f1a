// Package asr is the transcription client: it encodes a PCM range as WAV,
// POSTs it to an external transcription provider over HTTP, and parses the
// resulting text. No retries happen at this layer.
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	APIURL  string
	Model   string
	Timeout time.Duration // default 30s

	// MaxConcurrent bounds the number of in-flight HTTP calls across all
	// sessions sharing this client. Zero means unbounded.
	MaxConcurrent int64

	HTTPClient *http.Client
}

// Result is a successful transcription outcome.
type Result struct {
	Text             string
	ProcessingTimeMs int64
	ProviderMeta     map[string]any
}

// Client is the HTTP transcription provider client.
type Client struct {
	cfg  Config
	http *http.Client
	sem  *semaphore.Weighted
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
	c := &Client{cfg: cfg, http: httpClient}
	if cfg.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return c
}

// Transcribe encodes the PCM range as WAV and sends it to the provider.
// prompt and language are optional context hints forwarded to the provider.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int, prompt, language string) (Result, error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return Result{}, gatewayerr.Wrap(gatewayerr.ASRProviderError, "waiting for transcription slot", err)
		}
		defer c.sem.Release(1)
	}

	start := time.Now()

	wav := encodeWAV(samples, sampleRate)

	body, contentType, err := buildMultipart(wav, c.cfg.Model, prompt, language, c.cfg.APIURL)
	if err != nil {
		return Result{}, gatewayerr.Wrap(gatewayerr.InternalError, "building transcription request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.APIURL, body)
	if err != nil {
		return Result{}, gatewayerr.Wrap(gatewayerr.InternalError, "building transcription request", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return Result{}, gatewayerr.Wrap(gatewayerr.ASRProviderError, "TIMEOUT", err)
		}
		return Result{}, gatewayerr.Wrap(gatewayerr.ASRProviderError, "transport error", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{}, gatewayerr.New(gatewayerr.ASRProviderError, "AUTH_ERROR").
			WithStatus(resp.StatusCode).
			WithDetails(map[string]any{"response": string(respBody)})
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, gatewayerr.New(gatewayerr.ASRProviderError, fmt.Sprintf("HTTP_ERROR(%d)", resp.StatusCode)).
			WithStatus(resp.StatusCode).
			WithDetails(map[string]any{"response": string(respBody)})
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, gatewayerr.Wrap(gatewayerr.ASRProviderError, "PARSE_ERROR", err)
	}

	text := extractText(parsed)

	return Result{
		Text:             strings.TrimSpace(text),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ProviderMeta:     parsed,
	}, nil
}

// TestConnection performs a short silent-audio round trip used at session
// configuration to fail fast if the provider is unreachable or the
// credential is invalid.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	const probeRate = 16000
	probe := make([]float32, probeRate) // 1s of near-silence
	probe[probeRate/2] = 0.01           // tiny spike so an all-zero clip isn't rejected upstream

	if _, err := c.Transcribe(ctx, probe, probeRate, "", ""); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}

func buildMultipart(wav []byte, model, prompt, language, apiURL string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}

	fields := map[string]string{
		"model":                 model,
		"response_format":       "verbose_json",
		"timestamp_granularities": "segment",
	}
	if prompt != "" {
		fields["prompt"] = prompt
	}
	if language != "" {
		fields["language"] = language
	}
	if strings.Contains(apiURL, "fireworks") {
		fields["vad_model"] = "silero"
		fields["temperature"] = "0.0"
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// extractText pulls "text" out of the response, falling back to joining
// per-segment text when the top-level field is absent.
func extractText(resp map[string]any) string {
	if text, ok := resp["text"].(string); ok && text != "" {
		return text
	}
	segments, ok := resp["segments"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, seg := range segments {
		segMap, ok := seg.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := segMap["text"].(string); ok {
			parts = append(parts, strings.TrimSpace(t))
		}
	}
	return strings.Join(parts, " ")
}
