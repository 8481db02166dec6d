package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifier(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken-1/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(srv.URL, "token-1", "-100")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "[AUTOMATION] Cats", "job created"))
	assert.Equal(t, "-100", got["chat_id"])
	assert.Equal(t, "[AUTOMATION] Cats\njob created", got["text"])
}

func TestTelegramNotifierTruncatesByCharacter(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier(srv.URL, "t", "1")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "", strings.Repeat("ж", 5000)))
	text, ok := got["text"].(string)
	require.True(t, ok)
	assert.Equal(t, telegramMaxText, utf8.RuneCountInString(text))
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, strings.Repeat("ж", telegramMaxText), text)
}

func TestTelegramNotifierErrors(t *testing.T) {
	_, err := NewTelegramNotifier("", "", "1")
	require.Error(t, err)
	_, err = NewTelegramNotifier("", "t", "")
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()
	n, err := NewTelegramNotifier(srv.URL, "t", "1")
	require.NoError(t, err)
	err = n.Send(context.Background(), "", strings.Repeat("x", 5000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestBarkNotifier(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/device-key", r.URL.Path)
		query = r.URL.Query()
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/device-key/")
	require.NoError(t, err)
	require.NoError(t, n.Send(context.Background(), "title", "body text"))
	assert.Equal(t, []string{"title"}, query["title"])
	assert.Equal(t, []string{"body text"}, query["body"])
	assert.Equal(t, []string{"shortsched"}, query["group"])

	_, err = NewBarkNotifier(" ")
	require.Error(t, err)
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Send(context.Context, string, string) error {
	s.calls++
	return s.err
}

func TestMultiNotifierDeliversToAll(t *testing.T) {
	first := &stubNotifier{err: errors.New("first down")}
	second := &stubNotifier{}
	m := NewMultiNotifier(first, second, &NoOpNotifier{})
	assert.Equal(t, 3, m.Len())

	err := m.Send(context.Background(), "t", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first down")
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)

	require.NoError(t, NewMultiNotifier().Send(context.Background(), "t", "b"))
}
