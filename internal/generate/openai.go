// Package generate produces video ideas and generation prompts with an
// OpenAI-compatible chat completions API.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shortsched/internal/core"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second
)

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("openai api key is not configured")

// Config configures the OpenAI client.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAI implements core.Generator.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAI builds a client. The HTTP timeout bounds every generation call.
func NewOpenAI(cfg Config) *OpenAI {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.9
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

// GenerateIdeas asks for n short-video ideas for the channel.
func (c *OpenAI) GenerateIdeas(ctx context.Context, ch *core.Channel, extra string, n int) ([]core.Idea, error) {
	if n <= 0 {
		n = 1
	}
	var user strings.Builder
	fmt.Fprintf(&user, "Channel: %s\n", ch.Name)
	if ch.Description != "" {
		fmt.Fprintf(&user, "About: %s\n", ch.Description)
	}
	if ch.Language != "" {
		fmt.Fprintf(&user, "Language: %s\n", ch.Language)
	}
	if extra != "" {
		fmt.Fprintf(&user, "Context: %s\n", extra)
	}
	fmt.Fprintf(&user, "Suggest %d distinct ideas for vertical short videos (under 60 seconds). "+
		`Reply with JSON: {"ideas":[{"title":"...","description":"..."}]}`, n)

	var out struct {
		Ideas []core.Idea `json:"ideas"`
	}
	if err := c.completeJSON(ctx, "You plan content for short-video channels.", user.String(), &out); err != nil {
		return nil, fmt.Errorf("generate ideas: %w", err)
	}
	ideas := make([]core.Idea, 0, len(out.Ideas))
	for _, idea := range out.Ideas {
		if strings.TrimSpace(idea.Title) == "" && strings.TrimSpace(idea.Description) == "" {
			continue
		}
		ideas = append(ideas, idea)
	}
	if len(ideas) > n {
		ideas = ideas[:n]
	}
	return ideas, nil
}

// GenerateVeoPrompt turns an idea into a video generation prompt and title.
func (c *OpenAI) GenerateVeoPrompt(ctx context.Context, ch *core.Channel, idea core.Idea) (*core.VeoPrompt, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Channel: %s\n", ch.Name)
	if ch.Language != "" {
		fmt.Fprintf(&user, "Title language: %s\n", ch.Language)
	}
	fmt.Fprintf(&user, "Idea: %s\n", idea.Text())
	user.WriteString("Write one detailed prompt for an 8 second vertical 9:16 video and a short title. " +
		`Reply with JSON: {"veoPrompt":"...","videoTitle":"..."}`)

	var out core.VeoPrompt
	if err := c.completeJSON(ctx, "You write prompts for a text-to-video model.", user.String(), &out); err != nil {
		return nil, fmt.Errorf("generate prompt: %w", err)
	}
	if strings.TrimSpace(out.Prompt) == "" {
		return nil, errors.New("generate prompt: empty prompt in response")
	}
	if strings.TrimSpace(out.VideoTitle) == "" {
		out.VideoTitle = idea.Title
	}
	return &out, nil
}

func (c *OpenAI) completeJSON(ctx context.Context, system, user string, out any) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai api error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return fmt.Errorf("openai api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return errors.New("no choices in response")
	}
	content := stripFences(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("decode completion content: %w", err)
	}
	return nil
}

// stripFences removes a ```json fenced block wrapper some models add.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
