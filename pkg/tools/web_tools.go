package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var webClient = &http.Client{Timeout: 30 * time.Second}

// WebSearch queries the DuckDuckGo lite endpoint and returns the result
// snippets as plain text.
type WebSearch struct{}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return "Search the web and return result titles and snippets. Args: query."
}

func (t *WebSearch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query."},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearch) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("missing required argument 'query'")
	}
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)
	body, err := fetch(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("web search: %w", err)
	}
	text := stripHTML(body)
	if len(text) > 8000 {
		text = text[:8000] + "\n... [truncated]"
	}
	return text, nil
}

// VisitWebpage fetches a URL and returns a plain-text rendering.
type VisitWebpage struct{}

func (t *VisitWebpage) Name() string { return "visit_webpage" }

func (t *VisitWebpage) Description() string {
	return "Fetch a web page and return its textual content. Args: url."
}

func (t *VisitWebpage) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http(s) URL."},
		},
		"required": []string{"url"},
	}
}

func (t *VisitWebpage) Invoke(ctx context.Context, args map[string]any) (string, error) {
	target := stringArg(args, "url")
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "", fmt.Errorf("url must be absolute http(s), got %q", target)
	}
	body, err := fetch(ctx, target)
	if err != nil {
		return "", fmt.Errorf("visit webpage: %w", err)
	}
	text := stripHTML(body)
	if len(text) > 20_000 {
		text = text[:20_000] + "\n... [truncated]"
	}
	return text, nil
}

func fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; astromech-agent)")
	resp, err := webClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, "")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")

	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return blankRe.ReplaceAllString(strings.Join(kept, "\n"), "\n\n")
}
