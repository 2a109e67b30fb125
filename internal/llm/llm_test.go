package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result, err := ParseJSONResponse(`{"key": "value", "num": 42}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("expected key='value', got %v", result["key"])
	}
	if result["num"] != float64(42) {
		t.Errorf("expected num=42, got %v", result["num"])
	}
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	for _, text := range []string{
		"```json\n{\"key\": \"value\"}\n```",
		"```\n{\"key\": \"value\"}\n```",
		"  \n  {\"key\": \"value\"}  \n  ",
		"Sure! Here you go:\n{\"key\": \"value\"}\nHope that helps.",
	} {
		result, err := ParseJSONResponse(text)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", text, err)
		}
		if result["key"] != "value" {
			t.Errorf("expected key='value' for %q, got %v", text, result["key"])
		}
	}
}

func TestParseJSONResponseInvalid(t *testing.T) {
	if _, err := ParseJSONResponse("not json at all"); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := ParseJSONResponse("null"); err == nil {
		t.Error("expected error for non-object JSON")
	}
}

func TestParseJSONResponseEmpty(t *testing.T) {
	if _, err := ParseJSONResponse(""); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"qwen2.5:7b"}]}`))
		case "/api/chat":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["model"] != "qwen2.5:7b" || body["stream"] != false {
				t.Errorf("unexpected request body: %v", body)
			}
			w.Write([]byte(`{"message":{"content":"hi"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider("qwen2.5:7b", srv.URL)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	out, err := p.Generate(context.Background(), "hello", 10)
	if err != nil || out != "hi" {
		t.Fatalf("expected hi, got %q (%v)", out, err)
	}

	missing := NewOllamaProvider("llama3", srv.URL)
	if err := missing.Ping(context.Background()); err == nil {
		t.Error("expected ping to fail for a model that is not pulled")
	}
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("gpt-4o-mini", "sk-test")
	p.BaseURL = srv.URL
	out, err := p.Generate(context.Background(), "hello", 10)
	if err != nil || out != "ok" {
		t.Fatalf("expected ok, got %q (%v)", out, err)
	}

	p.APIKey = "wrong"
	_, err = p.Generate(context.Background(), "hello", 10)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Errorf("expected StatusError 401, got %v", err)
	}
}
