package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/llm"
)

const translatePrompt = `Translate the following social media post into %s.
Keep names, numbers, hashtags and links unchanged. Preserve line breaks.
Respond with ONLY the translation, no preamble.

Post:
%s`

const analyzePrompt = `You are analyzing a social media post by a prominent political figure for readers who follow its policy and market implications.

Posted at: %s
Replies: %d  Reblogs: %d  Likes: %d
Reblog: %t
Content:
%s

Respond with ONLY this JSON:
{
    "summary": "One or two sentences on what the post says",
    "sentiment": "positive" | "negative" | "neutral",
    "topics": ["topic 1", "topic 2"],
    "market_impact": "high" | "medium" | "low" | "none",
    "key_points": ["point 1", "point 2"]
}`

const batchPrompt = `You are writing the macro analysis section of a %s report on a prominent political figure's social media activity.
Focus: %s

Below are the most engaged posts in the period, highest first.

%s

Respond with ONLY this JSON:
{
    "summary": "Three to five sentences on the period as a whole",
    "main_topics": ["topic 1", "topic 2", "topic 3"],
    "sentiment_trend": "One sentence",
    "key_events": ["event 1", "event 2"],
    "market_signals": ["signal 1"]
}`

const maxPromptChars = 4000

// LLMTranslator translates with an LLM provider.
type LLMTranslator struct {
	provider  llm.Provider
	language  string
	maxTokens int
}

// NewLLMTranslator creates a translator into language.
func NewLLMTranslator(provider llm.Provider, language string, maxTokens int) *LLMTranslator {
	return &LLMTranslator{provider: provider, language: language, maxTokens: maxTokens}
}

func (t *LLMTranslator) Translate(ctx context.Context, text string) (string, error) {
	out, err := t.provider.Generate(ctx, fmt.Sprintf(translatePrompt, t.language, truncate(text)), t.maxTokens)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", llm.ErrEmptyResponse
	}
	return out, nil
}

// LLMAnalyzer analyzes posts with an LLM provider.
type LLMAnalyzer struct {
	provider  llm.Provider
	maxTokens int
}

// NewLLMAnalyzer creates an analyzer.
func NewLLMAnalyzer(provider llm.Provider, maxTokens int) *LLMAnalyzer {
	return &LLMAnalyzer{provider: provider, maxTokens: maxTokens}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, post database.Post) (map[string]any, error) {
	prompt := fmt.Sprintf(analyzePrompt,
		post.PostedAt.Format(time.RFC3339), post.ReplyCount, post.ReblogCount, post.FavouriteCount,
		post.IsReblog, truncate(post.Text()))

	text, err := a.provider.Generate(ctx, prompt, a.maxTokens)
	if err != nil {
		return nil, err
	}
	parsed, err := llm.ParseJSONResponse(text)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"summary":       getString(parsed, "summary", ""),
		"sentiment":     oneOf(getString(parsed, "sentiment", ""), "neutral", "positive", "negative", "neutral"),
		"topics":        getStrings(parsed, "topics", 5),
		"market_impact": oneOf(getString(parsed, "market_impact", ""), "none", "high", "medium", "low", "none"),
		"key_points":    getStrings(parsed, "key_points", 5),
		"model":         a.provider.Name(),
	}, nil
}

// AnalyzeBatch writes a macro analysis over posts. focus names the report
// ("daily", "weekly") and steers the prompt.
func (a *LLMAnalyzer) AnalyzeBatch(ctx context.Context, posts []database.Post, focus string) (map[string]any, error) {
	if len(posts) == 0 {
		return nil, errors.New("no posts to analyze")
	}

	var b strings.Builder
	for i, p := range posts {
		text := p.Text()
		if len(text) > 600 {
			text = text[:600] + "..."
		}
		if text == "" {
			text = "(media only)"
		}
		fmt.Fprintf(&b, "%d. [%s] replies=%d reblogs=%d likes=%d\n%s\n\n",
			i+1, p.PostedAt.Format("2006-01-02 15:04"), p.ReplyCount, p.ReblogCount, p.FavouriteCount, text)
	}

	text, err := a.provider.Generate(ctx, fmt.Sprintf(batchPrompt, focus, focusHint(focus), b.String()), a.maxTokens*2)
	if err != nil {
		return nil, err
	}
	parsed, err := llm.ParseJSONResponse(text)
	if err != nil {
		return nil, err
	}

	summary := getString(parsed, "summary", "")
	if summary == "" {
		return nil, errors.New("macro analysis has no summary")
	}
	return map[string]any{
		"summary":         summary,
		"main_topics":     getStrings(parsed, "main_topics", 5),
		"sentiment_trend": getString(parsed, "sentiment_trend", ""),
		"key_events":      getStrings(parsed, "key_events", 5),
		"market_signals":  getStrings(parsed, "market_signals", 5),
	}, nil
}

func focusHint(focus string) string {
	switch focus {
	case "weekly":
		return "themes that recurred across the week and how the tone shifted"
	default:
		return "what stood out in the last day"
	}
}

func truncate(s string) string {
	if len(s) > maxPromptChars {
		return s[:maxPromptChars] + "..."
	}
	return s
}

func getString(m map[string]any, key, fallback string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return fallback
}

func getStrings(m map[string]any, key string, max int) []string {
	out := []string{}
	arr, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
		if len(out) >= max {
			break
		}
	}
	return out
}

// oneOf returns v lowercased if it is one of allowed, else fallback.
func oneOf(v, fallback string, allowed ...string) string {
	v = strings.ToLower(v)
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return fallback
}
