package generate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shortsched/internal/core"
)

func completionServer(t *testing.T, content string, inspect func(r *http.Request, body chatRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if inspect != nil {
			inspect(r, body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateIdeas(t *testing.T) {
	srv := completionServer(t, `{"ideas":[{"title":"A","description":"first"},{"title":"","description":""},{"title":"B","description":"second"},{"title":"C","description":"third"}]}`,
		func(r *http.Request, body chatRequest) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			assert.Equal(t, DefaultModel, body.Model)
			require.Len(t, body.Messages, 2)
			assert.Contains(t, body.Messages[1].Content, "Cooking Daily")
			assert.Equal(t, "json_object", body.ResponseFormat["type"])
		})
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})

	ideas, err := client.GenerateIdeas(context.Background(), &core.Channel{Name: "Cooking Daily", Language: "en"}, "", 2)
	require.NoError(t, err)
	require.Len(t, ideas, 2)
	assert.Equal(t, "A", ideas[0].Title)
	assert.Equal(t, "B", ideas[1].Title)
}

func TestGenerateVeoPrompt(t *testing.T) {
	srv := completionServer(t, "```json\n{\"veoPrompt\":\"a steaming bowl\",\"videoTitle\":\"Ramen\"}\n```", nil)
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})

	prompt, err := client.GenerateVeoPrompt(context.Background(), &core.Channel{Name: "Cooking"}, core.Idea{Title: "Ramen", Description: "night ramen"})
	require.NoError(t, err)
	assert.Equal(t, "a steaming bowl", prompt.Prompt)
	assert.Equal(t, "Ramen", prompt.VideoTitle)
}

func TestGenerateVeoPromptDefaultsTitle(t *testing.T) {
	srv := completionServer(t, `{"veoPrompt":"waves at dawn"}`, nil)
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL})
	prompt, err := client.GenerateVeoPrompt(context.Background(), &core.Channel{Name: "Sea"}, core.Idea{Title: "Waves"})
	require.NoError(t, err)
	assert.Equal(t, "Waves", prompt.VideoTitle)
}

func TestGenerateErrors(t *testing.T) {
	_, err := NewOpenAI(Config{}).GenerateIdeas(context.Background(), &core.Channel{Name: "x"}, "", 3)
	require.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err = NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL}).GenerateIdeas(context.Background(), &core.Channel{Name: "x"}, "", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")

	bad := completionServer(t, "not json", nil)
	_, err = NewOpenAI(Config{APIKey: "k", BaseURL: bad.URL}).GenerateVeoPrompt(context.Background(), &core.Channel{Name: "x"}, core.Idea{Title: "t"})
	require.Error(t, err)

	empty := completionServer(t, `{"veoPrompt":"  "}`, nil)
	_, err = NewOpenAI(Config{APIKey: "k", BaseURL: empty.URL}).GenerateVeoPrompt(context.Background(), &core.Channel{Name: "x"}, core.Idea{Title: "t"})
	require.Error(t, err)
}
