package llm

import (
	"fmt"
)

// Config holds the configuration for the provider client.
// Any OpenAI-compatible endpoint works (OpenRouter, OpenAI, local gateways).
//
// Environment Variables (read by internal/config):
// - LLM_API_KEY: API key for the provider (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-4o-mini)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 4000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.7)
// - LLM_TIMEOUT: Request timeout in seconds (default: 120)
// - LLM_PRICE_PER_1K_TOKENS: Cost reported per 1000 tokens (optional)
type Config struct {
	APIKey          string  `json:"api_key"`
	APIURL          string  `json:"api_url"`
	Model           string  `json:"model"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	Timeout         int     `json:"timeout"`
	PricePer1KToken float64 `json:"price_per_1k_tokens"`
	SiteURL         string  `json:"site_url"`
	AppName         string  `json:"app_name"`
}

func DefaultConfig() Config {
	return Config{
		APIURL:      "https://openrouter.ai/api/v1",
		Model:       "openai/gpt-4o-mini",
		MaxTokens:   4000,
		Temperature: 0.7,
		Timeout:     120,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be greater than 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.Timeout < 1 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.PricePer1KToken < 0 {
		return fmt.Errorf("price per 1k tokens must not be negative")
	}
	return nil
}

// GetHeaders returns the headers for the API request
func (c *Config) GetHeaders() map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + c.APIKey,
		"Content-Type":  "application/json",
	}

	if c.SiteURL != "" {
		headers["HTTP-Referer"] = c.SiteURL
	}
	if c.AppName != "" {
		headers["X-Title"] = c.AppName
	}

	return headers
}

// Cost converts token usage into the configured currency.
func (c *Config) Cost(u Usage) float64 {
	if c.PricePer1KToken <= 0 {
		return 0
	}
	return float64(u.TotalTokens) / 1000 * c.PricePer1KToken
}
