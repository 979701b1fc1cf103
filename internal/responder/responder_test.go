package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-relay/internal/logging"
)

func TestReplyPassesThroughSuccess(t *testing.T) {
	r := Func(func(_ context.Context, text, name string) (string, error) {
		return "  echo " + text + " for " + name + "\n", nil
	})

	reply, err := Reply(context.Background(), r, "hi", "alice")
	require.NoError(t, err)
	assert.Equal(t, "echo hi for alice", reply)
}

func TestReplyFallbacks(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"not configured", ErrNotConfigured, "Sorry alice, I need my API key to be configured! 🔑 Please check the server setup."},
		{"auth text", errors.New("Incorrect API key provided"), "Sorry alice, I need my API key to be configured! 🔑 Please check the server setup."},
		{"quota", errors.New("You exceeded your current quota"), "Oops alice, looks like we've hit our API limit! 💳 Time to add some credits."},
		{"model", errors.New("The model `gpt-9` does not exist"), "Hey alice, there's a model issue on my end! 🤖 The server admin should check this."},
		{"generic", errors.New("connection reset by peer"), "Sorry alice, I'm having trouble connecting to my brain right now! 🤖💭 Try again in a moment."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Func(func(context.Context, string, string) (string, error) { return "", tc.err })
			reply, err := Reply(context.Background(), r, "hi", "alice")
			require.Error(t, err)
			assert.Equal(t, tc.want, reply)
		})
	}
}

func TestReplyRecoversPanicsAndEmptyAnswers(t *testing.T) {
	panicky := Func(func(context.Context, string, string) (string, error) { panic("boom") })
	reply, err := Reply(context.Background(), panicky, "hi", "bob")
	require.Error(t, err)
	assert.Contains(t, reply, "Sorry bob")

	empty := Func(func(context.Context, string, string) (string, error) { return "   ", nil })
	reply, err = Reply(context.Background(), empty, "hi", "bob")
	require.Error(t, err)
	assert.Contains(t, reply, "Sorry bob")

	reply, err = Reply(context.Background(), nil, "hi", "bob")
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Contains(t, reply, "API key")
}

func TestNewOpenAIWithoutKeyIsUnconfigured(t *testing.T) {
	r := NewOpenAI(OpenAIConfig{})
	_, err := r.Respond(context.Background(), "hi", "alice")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func newCompletionServer(t *testing.T, status int, body interface{}, seen *map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIRespond(t *testing.T) {
	var request map[string]interface{}
	srv := newCompletionServer(t, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "gpt-3.5-turbo",
		"choices": []interface{}{map[string]interface{}{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": " Hello Alice! 👋 "}, "finish_reason": "stop"}},
	}, &request)

	r := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Temperature: 0.7})
	reply, err := r.Respond(context.Background(), "hi", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Hello Alice! 👋", reply)

	assert.Equal(t, "gpt-3.5-turbo", request["model"])
	assert.Equal(t, float64(150), request["max_tokens"])
	messages := request["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].(map[string]interface{})["content"], "The user's name is Alice")
	assert.Equal(t, "hi", messages[1].(map[string]interface{})["content"])
}

func TestOpenAIRespondLogsThroughContextLogger(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, map[string]interface{}{
		"id":      "chatcmpl-2",
		"object":  "chat.completion",
		"model":   "gpt-3.5-turbo",
		"choices": []interface{}{map[string]interface{}{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": "hey"}, "finish_reason": "stop"}},
		"usage":   map[string]interface{}{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
	}, nil)

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel).With().Str(logging.FieldUsername, "Alice").Logger()
	ctx := logging.WithLogger(context.Background(), logger)

	r := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	_, err := r.Respond(ctx, "hi", "Alice")
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "chat completion finished", entry["message"])
	assert.Equal(t, "Alice", entry[logging.FieldUsername])
	assert.Equal(t, float64(7), entry["total_tokens"])
}

func TestOpenAIUnauthorizedMapsToKeyFallback(t *testing.T) {
	srv := newCompletionServer(t, http.StatusUnauthorized, map[string]interface{}{
		"error": map[string]interface{}{"message": "Incorrect key", "type": "invalid_request_error", "code": "invalid_api_key"},
	}, nil)

	r := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	reply, err := Reply(context.Background(), r, "hi", "Alice")
	require.Error(t, err)
	assert.Contains(t, reply, "API key")
}

func TestOpenAIQuotaMapsToQuotaFallback(t *testing.T) {
	srv := newCompletionServer(t, http.StatusTooManyRequests, map[string]interface{}{
		"error": map[string]interface{}{"message": "Rate exceeded", "type": "insufficient_quota", "code": "insufficient_quota"},
	}, nil)

	r := NewOpenAI(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	reply, err := Reply(context.Background(), r, "hi", "Alice")
	require.Error(t, err)
	assert.Contains(t, reply, "API limit")
}
