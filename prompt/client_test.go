package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeSendsFewShotConversation(t *testing.T) {
	var captured chatRequest
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"  a detailed   caption "}}]}`)
	}))
	defer llm.Close()

	c := NewClient(llm.URL, "test-key", "glm-4-9b-chat", nil)
	out, ok := c.Optimize(context.Background(), "a fox\nin snow", 1)
	require.True(t, ok)
	assert.Equal(t, "a detailed caption", out, "output must be cleaned")

	assert.Equal(t, "glm-4-9b-chat", captured.Model)
	assert.Equal(t, 0.01, captured.Temperature)
	assert.Equal(t, 0.7, captured.TopP)
	assert.Equal(t, 1000, captured.MaxTokens)
	assert.False(t, captured.Stream)

	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	last := captured.Messages[len(captured.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "a fox in snow", "prompt must be cleaned before sending")
}

func TestTranslateReturnsOriginalOnFailure(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer llm.Close()

	c := NewClient(llm.URL, "", "glm-4-9b-chat", nil)
	out, ok := c.Translate(context.Background(), " a fox ", 1)
	assert.False(t, ok)
	assert.Equal(t, "a fox", out)
}

func TestOptimizeEmptyCompletionIsFailure(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer llm.Close()

	c := NewClient(llm.URL, "", "glm-4-9b-chat", nil)
	out, ok := c.Optimize(context.Background(), "a fox", 1)
	assert.False(t, ok)
	assert.Equal(t, "a fox", out)
}

func TestAuthorizationHeader(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer llm.Close()

	c := NewClient(llm.URL, "secret", "glm-4-9b-chat", nil)
	_, ok := c.Optimize(context.Background(), "a fox", 1)
	assert.True(t, ok)
}
