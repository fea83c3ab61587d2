package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

// Client is a thread-safe client for an OpenAI-compatible chat completions API.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new client with the given configuration
//
// Example:
//
//	cfg := llm.DefaultConfig()
//	cfg.APIKey = os.Getenv("LLM_API_KEY")
//	client, err := llm.NewClient(&cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client := &Client{
		config:  config,
		baseURL: config.APIURL,
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}

	return client, nil
}

// ChatCompletion sends messages and returns the first choice.
//
// Failures are *jobs.Error: ErrProviderError for timeouts, 408, 429 and 5xx
// responses; ErrProviderRejected for other 4xx responses, content filter
// stops and malformed replies. A cancelled ctx is returned as ctx.Err().
func (c *Client) ChatCompletion(ctx context.Context, messages []Message, opts *ChatCompletionOptions) (*ChatResponse, error) {
	if opts == nil {
		opts = NewChatCompletionOptions()
	}

	if opts.SystemPrompt != "" {
		systemMessage := Message{
			Role:    "system",
			Content: opts.SystemPrompt,
		}
		messages = append([]Message{systemMessage}, messages...)
	}

	request := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   c.getMaxTokens(opts),
		Temperature: c.getTemperature(opts),
	}
	if opts.JSON {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	response, err := c.makeRequest(ctx, http.MethodPost, "/chat/completions", request)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return response, jobs.NewError(jobs.ErrProviderRejected, "no choices in response")
	}
	if response.Choices[0].FinishReason == "content_filter" {
		return response, jobs.NewError(jobs.ErrProviderRejected, "response blocked by content filter").
			WithContext("model", response.Model)
	}

	return response, nil
}

// Cost returns the amount billed for a response.
func (c *Client) Cost(resp *ChatResponse) float64 {
	if resp == nil {
		return 0
	}
	return c.config.Cost(resp.Usage)
}

// makeRequest makes a raw HTTP request to the configured API
func (c *Client) makeRequest(ctx context.Context, method, path string, payload any) (*ChatResponse, error) {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.config.GetHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, jobs.WrapError(err, jobs.ErrProviderError, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ChatResponse
		var cause error = fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, truncate(string(responseBody), 512))
		if json.Unmarshal(responseBody, &apiErr) == nil && apiErr.Error != nil && apiErr.Error.Message != "" {
			cause = apiErr.Error
		}
		return nil, jobs.WrapError(cause, StatusErrorType(resp.StatusCode), fmt.Sprintf("provider returned %d", resp.StatusCode)).
			WithContext("status", resp.StatusCode)
	}

	var chatResponse ChatResponse
	if err := json.Unmarshal(responseBody, &chatResponse); err != nil {
		return nil, jobs.WrapError(err, jobs.ErrProviderRejected, "failed to parse response")
	}
	if chatResponse.Error != nil && chatResponse.Error.Message != "" {
		return &chatResponse, jobs.WrapError(chatResponse.Error, jobs.ErrProviderRejected, "provider returned an error")
	}

	return &chatResponse, nil
}

// StatusErrorType maps an HTTP status onto the retry taxonomy.
func StatusErrorType(status int) jobs.ErrorType {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return jobs.ErrProviderError
	default:
		return jobs.ErrProviderRejected
	}
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if os.IsTimeout(err) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return jobs.WrapError(err, jobs.ErrProviderError, "request timed out")
	}
	// Connection resets and refused dials are worth retrying.
	return jobs.WrapError(err, jobs.ErrProviderError, "failed to make request")
}

// getMaxTokens returns the max tokens to use for the request
func (c *Client) getMaxTokens(opts *ChatCompletionOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return c.config.MaxTokens
}

// getTemperature returns the temperature to use for the request
func (c *Client) getTemperature(opts *ChatCompletionOptions) float64 {
	if opts.Temperature >= 0 && opts.Temperature <= 2 {
		return opts.Temperature
	}
	return c.config.Temperature
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
