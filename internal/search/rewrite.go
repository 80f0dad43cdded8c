package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quiverdocs/quiver/internal/llm"
)

// rewriteHistoryDepth is how many trailing non-system messages feed the
// rewrite prompt.
const rewriteHistoryDepth = 3

// rewriteQuery asks the chat model to condense the query (plus recent
// conversation) into search keywords. Any failure or degenerate output
// falls back to the original query.
func (e *Engine) rewriteQuery(ctx context.Context, query string, opts Options) string {
	callCtx := ctx
	if e.config.RewriteTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.config.RewriteTimeout)
		defer cancel()
	}

	prompt := buildRewritePrompt(query, opts.ChatHistory)
	resp, err := e.llm.Generate(callCtx, opts.ChatModel, prompt, llm.GenerateOptions{
		Temperature: 0.2,
		MaxTokens:   50,
	})
	if err != nil {
		slog.Warn("query_rewrite_failed", slog.String("error", err.Error()))
		return query
	}

	raw := resp.Response
	if strings.TrimSpace(raw) == "" {
		raw = keywordsFromReasoning(resp.Reasoning)
	}

	keywords := normalizeKeywords(raw)
	if len(keywords) < 3 {
		return query
	}

	rewritten := strings.Join(strings.Fields(keywords), " ")
	slog.Debug("query_rewritten",
		slog.String("original", query),
		slog.String("rewritten", rewritten))
	return rewritten
}

// buildRewritePrompt assembles the rewrite prompt from the query and
// the last rewriteHistoryDepth non-system history messages.
func buildRewritePrompt(query string, history []ChatMessage) string {
	var recent []ChatMessage
	for i := len(history) - 1; i >= 0 && len(recent) < rewriteHistoryDepth; i-- {
		if history[i].Role == "system" {
			continue
		}
		recent = append([]ChatMessage{history[i]}, recent...)
	}

	var b strings.Builder
	if len(recent) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Condense the following question into 3-7 search keywords separated by spaces. Reply with only the keywords.\n\nQuestion: %s", query)
	return b.String()
}

// keywordsFromReasoning extracts usable keywords from a reasoning
// trace: the text after "keywords:" if present, else the final sentence.
func keywordsFromReasoning(reasoning string) string {
	reasoning = strings.TrimSpace(reasoning)
	if reasoning == "" {
		return ""
	}

	lowered := strings.ToLower(reasoning)
	if idx := strings.LastIndex(lowered, "keywords:"); idx >= 0 {
		return reasoning[idx+len("keywords:"):]
	}

	sentences := strings.FieldsFunc(reasoning, func(r rune) bool {
		return r == '.' || r == '\n'
	})
	if len(sentences) == 0 {
		return ""
	}
	return sentences[len(sentences)-1]
}

// normalizeKeywords lowercases, drops tokens shorter than 3 characters
// and deduplicates while preserving order. The returned string is the
// space-joined keyword list; fewer than 3 characters total signals the
// caller to fall back to the original query.
func normalizeKeywords(raw string) string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, tok := range strings.Fields(strings.ToLower(raw)) {
		tok = strings.Trim(tok, `.,;:"'`)
		if len(tok) < 3 {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return strings.Join(keywords, " ")
}
