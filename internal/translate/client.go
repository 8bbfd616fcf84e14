// internal/translate/client.go

// Package translate calls a LibreTranslate-compatible HTTP API.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	source     string
	target     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, source, target string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		source:  source,
		target:  target,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

// Translate submits text and returns its translation.
func (c *Client) Translate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Q:      text,
		Source: c.source,
		Target: c.target,
		Format: "text",
		APIKey: c.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var decoded translateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error
		if msg == "" {
			msg = string(raw)
		}
		return "", fmt.Errorf("translation API returned %d: %s", resp.StatusCode, msg)
	}
	if decoded.TranslatedText == "" {
		return "", fmt.Errorf("translation API returned empty result")
	}
	return decoded.TranslatedText, nil
}
