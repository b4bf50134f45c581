package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPrompt(t *testing.T) {
	if got, want := Prompt("hi", ""), "Please help with this text: hi"; got != want {
		t.Errorf("prompt mismatch: got %q, want %q", got, want)
	}
	if got, want := Prompt("hi", "be formal"), "Please help with this text: hi\nDesired changes: be formal"; got != want {
		t.Errorf("prompt mismatch: got %q, want %q", got, want)
	}
}

func TestOpenAI_Process(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path mismatch: got %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth header mismatch: got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			Model: "gpt-4",
			Choices: []ChatCompletionChoice{
				{Message: ChatMessage{Role: "assistant", Content: "She doesn't know anything about it."}},
			},
		})
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL+"/v1/", "gpt-4")
	out, err := p.Process(context.Background(), "She don't know nothing about it.", "fix grammar")
	if err != nil {
		t.Fatalf("Process() failed: %v", err)
	}
	if out != "She doesn't know anything about it." {
		t.Errorf("suggestion mismatch: got %q", out)
	}

	if got.Model != "gpt-4" || len(got.Messages) != 2 {
		t.Fatalf("request mismatch: %+v", got)
	}
	if got.Messages[1].Content != Prompt("She don't know nothing about it.", "fix grammar") {
		t.Errorf("user message mismatch: got %q", got.Messages[1].Content)
	}
}

func TestOpenAI_ProcessErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL, "gpt-4")
	if _, err := p.Process(context.Background(), "x", ""); err == nil {
		t.Error("Process() should fail on non-200 status")
	}
}

func TestOpenAI_ProcessNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAI("sk-test", srv.URL, "gpt-4")
	if _, err := p.Process(context.Background(), "x", ""); err == nil {
		t.Error("Process() should fail when no choices are returned")
	}
}

func TestOpenAI_NotConfigured(t *testing.T) {
	p := NewOpenAI("", "http://unused", "gpt-4")
	_, err := p.Process(context.Background(), "x", "")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error mismatch: got %v, want %v", err, ErrNotConfigured)
	}
}
