// Package prompt talks to an external OpenAI-compatible LLM to expand and
// translate user prompts before generation.
package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/utils"
)

const (
	defaultRetries  = 5
	requestTimeout  = 60 * time.Second
	chatTemperature = 0.01
	chatTopP        = 0.7
	chatMaxTokens   = 1000
)

// Client calls the rewriter model's chat-completions endpoint.  Both
// operations degrade softly: any failure returns the cleaned original text
// and ok=false, never an error the handler would turn into a 5xx.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	retries int
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a Client against an OpenAI-compatible base URL such as
// "https://models.dev.ai-links.com/v1".
func NewClient(baseURL, apiKey, model string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		retries: defaultRetries,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.Named("prompt"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Optimize expands a short prompt into a detailed bilingual image caption.
// The boolean reports whether the rewrite succeeded; on failure the cleaned
// original comes back.  retries <= 0 falls back to the default attempt count.
func (c *Client) Optimize(ctx context.Context, text string, retries int) (string, bool) {
	cleaned := utils.CleanString(text)
	messages := append(optimizeFewShot(), chatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Create an imaginative image descriptive caption for the user input : %s", cleaned),
	})
	out, err := c.complete(ctx, messages, retries)
	if err != nil {
		c.logger.Warn("prompt optimization failed, returning original", zap.Error(err))
		return cleaned, false
	}
	return out, true
}

// Translate flips a prompt between Chinese and English.
func (c *Client) Translate(ctx context.Context, text string, retries int) (string, bool) {
	cleaned := utils.CleanString(text)
	messages := []chatMessage{
		{Role: "system", Content: "你是一个翻译助手.  请把用户的文本翻译成中文或英文。"},
		{Role: "user", Content: cleaned},
	}
	out, err := c.complete(ctx, messages, retries)
	if err != nil {
		c.logger.Warn("prompt translation failed, returning original", zap.Error(err))
		return cleaned, false
	}
	return out, true
}

// complete POSTs one chat completion with retries and returns the cleaned
// assistant message.
func (c *Client) complete(ctx context.Context, messages []chatMessage, retries int) (string, error) {
	if retries <= 0 {
		retries = c.retries
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: chatTemperature,
		TopP:        chatTopP,
		Stream:      false,
		MaxTokens:   chatMaxTokens,
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CategoryExternal, "prompt.complete", err)
	}

	var result string
	attempt := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("rewriter returned status %d", resp.StatusCode)
		}
		var parsed chatResponse
		if jsonErr := json.Unmarshal(data, &parsed); jsonErr != nil {
			return jsonErr
		}
		if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
			return fmt.Errorf("rewriter returned empty completion")
		}
		result = utils.CleanString(parsed.Choices[0].Message.Content)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries-1)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return "", apperrors.Transient("prompt.complete", err)
	}
	return result, nil
}
