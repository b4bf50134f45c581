// Package feedback turns a selected piece of text and the user's desired
// changes into a suggestion from a chat completion model.
package feedback

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

	"github.com/sirupsen/logrus"
)

var ErrNotConfigured = errors.New("feedback: api key is not configured")

const systemPrompt = "You are a helpful writing assistant that provides feedback and suggestions."

// Processor is satisfied by anything that can produce a suggestion for text.
type Processor interface {
	Process(ctx context.Context, text, instructions string) (string, error)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type OpenAI struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAI builds a Processor against an OpenAI compatible endpoint.
// baseURL is expected to include the version segment, e.g.
// https://api.openai.com/v1.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if apiKey == "" {
		logrus.Warn("OPENAI_API_KEY not set, text feedback will fail")
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Prompt builds the user message sent for a piece of text.
func Prompt(text, instructions string) string {
	msg := "Please help with this text: " + text
	if instructions != "" {
		msg += "\nDesired changes: " + instructions
	}
	return msg
}

func (o *OpenAI) Process(ctx context.Context, text, instructions string) (string, error) {
	if o.apiKey == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(ChatCompletionRequest{
		Model: o.model,
		Messages: []ChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(text, instructions)},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion api: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var out ChatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("completion api returned %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion api returned no choices")
	}

	logrus.WithFields(logrus.Fields{
		"model":  out.Model,
		"finish": out.Choices[0].FinishReason,
	}).Debug("Text feedback completed")
	return out.Choices[0].Message.Content, nil
}
