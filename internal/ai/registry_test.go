package ai

import (
	"context"
	"testing"
)

func TestParseCandidates(t *testing.T) {
	got := ParseCandidates(" openai/gpt-oss-20b:free , ollama=llama3:latest,,relay=meta-llama/llama-3.1-8b-instruct:free, x= ", "openrouter")
	want := []Candidate{
		{Provider: "openrouter", Model: "openai/gpt-oss-20b:free"},
		{Provider: "ollama", Model: "llama3:latest"},
		{Provider: "relay", Model: "meta-llama/llama-3.1-8b-instruct:free"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewRegistry()
	reg.Register(" OpenRouter ", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider("", "k", model, "", ""), nil
	})
	if _, err := reg.Get(context.Background(), "openrouter", "m"); err != nil {
		t.Fatalf("expected provider, got %v", err)
	}
	if _, err := reg.Get(context.Background(), "nope", "m"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
