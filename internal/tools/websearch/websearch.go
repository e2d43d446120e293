// Package websearch implements the search tool backed by the Serper API,
// with a DuckDuckGo instant-answer fallback when no API key is configured.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/net/html"

	"llmcord/internal/config"
	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/tool"
)

const (
	toolName       = "search"
	searchEndpoint = "https://google.serper.dev/search"
)

// Tool answers web search queries for the model.
type Tool struct {
	httpClient     *resty.Client
	fallbackClient *resty.Client
	apiKey         string
	maxResults     int
}

var _ tool.Tool = (*Tool)(nil)

// New creates the search tool from configuration.
func New(cfg config.SearchConfig) *Tool {
	return &Tool{
		httpClient: resty.New().
			SetHeader("User-Agent", "llmcord/1.0").
			SetTimeout(15 * time.Second),
		fallbackClient: resty.New().
			SetHeader("User-Agent", "llmcord-fallback/1.0").
			SetTimeout(15 * time.Second),
		apiKey:     cfg.SerperAPIKey,
		maxResults: cfg.MaxResults,
	}
}

func (t *Tool) Name() string { return toolName }

func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.ToolFunctionSchema{
			Name:        toolName,
			Description: "Search the web for current information. Use for questions about recent events or facts you are unsure of.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// Invoke runs the search and formats the results as plain text for the model.
func (t *Tool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", &tool.InvocationError{Tool: toolName, Message: "missing required argument 'query'"}
	}

	results, err := t.search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n", i+1, r.title, r.link, r.snippet)
	}
	return strings.TrimSpace(b.String()), nil
}

type searchResult struct {
	title   string
	link    string
	snippet string
}

func (t *Tool) search(ctx context.Context, query string) ([]searchResult, error) {
	if strings.TrimSpace(t.apiKey) != "" {
		results, err := t.searchViaSerper(ctx, query)
		if err == nil {
			return results, nil
		}
		// Quota errors should reach the model as such, everything else
		// falls back to the keyless engine.
		var rateLimited *tool.RateLimitError
		if errors.As(err, &rateLimited) {
			return nil, err
		}
	}
	return t.searchViaDuckDuckGo(ctx, query)
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
	AnswerBox struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
		Title   string `json:"title"`
		Link    string `json:"link"`
	} `json:"answerBox"`
}

func (t *Tool) searchViaSerper(ctx context.Context, query string) ([]searchResult, error) {
	var result serperResponse
	resp, err := t.httpClient.R().
		SetContext(ctx).
		SetHeader("X-API-KEY", t.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"q": query, "num": t.maxResults}).
		SetResult(&result).
		Post(searchEndpoint)
	if err != nil {
		return nil, &tool.ServerError{Tool: toolName, Cause: err}
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return nil, &tool.RateLimitError{Tool: toolName, Cause: fmt.Errorf("status %d", resp.StatusCode())}
	}
	if resp.IsError() {
		return nil, &tool.ServerError{Tool: toolName, Cause: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	var out []searchResult
	if box := result.AnswerBox; box.Answer != "" || box.Snippet != "" {
		out = append(out, searchResult{
			title:   orSelect(box.Title, "Answer"),
			link:    box.Link,
			snippet: orSelect(box.Answer, box.Snippet),
		})
	}
	for _, r := range result.Organic {
		out = append(out, searchResult{title: r.Title, link: r.Link, snippet: r.Snippet})
		if len(out) >= t.maxResults {
			break
		}
	}
	return out, nil
}

type duckDuckGoResponse struct {
	Heading       string           `json:"Heading"`
	AbstractText  string           `json:"AbstractText"`
	AbstractURL   string           `json:"AbstractURL"`
	RelatedTopics []duckDuckTopics `json:"RelatedTopics"`
}

type duckDuckTopics struct {
	Text     string           `json:"Text"`
	FirstURL string           `json:"FirstURL"`
	Topics   []duckDuckTopics `json:"Topics"`
}

func (t *Tool) searchViaDuckDuckGo(ctx context.Context, query string) ([]searchResult, error) {
	var ddg duckDuckGoResponse
	resp, err := t.fallbackClient.R().
		SetContext(ctx).
		SetQueryParam("q", query).
		SetQueryParam("format", "json").
		SetQueryParam("no_html", "1").
		SetQueryParam("skip_disambig", "1").
		SetResult(&ddg).
		Get("https://api.duckduckgo.com/")
	if err != nil {
		return nil, &tool.ServerError{Tool: toolName, Cause: err}
	}
	if resp.IsError() {
		return nil, &tool.ServerError{Tool: toolName, Cause: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.Status())}
	}

	var out []searchResult
	if ddg.AbstractText != "" || ddg.AbstractURL != "" {
		out = append(out, searchResult{
			title:   orSelect(ddg.Heading, query),
			link:    ddg.AbstractURL,
			snippet: stripTags(ddg.AbstractText),
		})
	}
	for _, topic := range flattenDuckTopics(ddg.RelatedTopics) {
		if topic.FirstURL == "" && topic.Text == "" {
			continue
		}
		out = append(out, searchResult{
			title:   orSelect(topic.Text, query),
			link:    topic.FirstURL,
			snippet: stripTags(topic.Text),
		})
		if len(out) >= t.maxResults {
			break
		}
	}
	return out, nil
}

func flattenDuckTopics(topics []duckDuckTopics) []duckDuckTopics {
	var out []duckDuckTopics
	for _, topic := range topics {
		if len(topic.Topics) > 0 {
			out = append(out, flattenDuckTopics(topic.Topics)...)
			continue
		}
		out = append(out, topic)
	}
	return out
}

// stripTags removes any residual markup from instant-answer text.
func stripTags(raw string) string {
	if !strings.Contains(raw, "<") {
		return raw
	}
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			val := strings.TrimSpace(n.Data)
			if val != "" {
				if builder.Len() > 0 {
					builder.WriteString(" ")
				}
				builder.WriteString(val)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return builder.String()
}

func orSelect(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
