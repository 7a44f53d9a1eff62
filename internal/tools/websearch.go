package tools

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 20
	maxSearchOffset    = 9
	maxSnippetChars    = 400
	maxSearchBodyBytes = 2 << 20
	searchEndpoint     = "https://api.search.brave.com/res/v1/web/search"
)

var freshness = map[string]string{"day": "pd", "week": "pw", "month": "pm", "year": "py"}

// WebSearch queries the Brave Search API. Hits are rendered as a numbered
// Markdown list whose snippets have their highlight markup converted.
type WebSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewWebSearch(apiKey string) *WebSearch {
	return &WebSearch{
		apiKey:   apiKey,
		endpoint: searchEndpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (w *WebSearch) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "web_search",
		Description: "Search the web. Returns a numbered list of pages with their URL and a snippet",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query"},
				"count": {"type": "integer", "description": "Results per page (default 5, max 20)"},
				"page": {"type": "integer", "description": "0-based result page (max 9)"},
				"site": {"type": "string", "description": "Restrict results to this domain"},
				"freshness": {"type": "string", "enum": ["day", "week", "month", "year"], "description": "Only pages published within this period"}
			},
			"required": ["query"]
		}`),
		Risk: safety.RiskLow,
	}
}

type searchPage struct {
	Query struct {
		MoreResultsAvailable bool `json:"more_results_available"`
	} `json:"query"`
	Web struct {
		Results []searchHit `json:"results"`
	} `json:"web"`
}

type searchHit struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Description   string   `json:"description"`
	Age           string   `json:"age"`
	ExtraSnippets []string `json:"extra_snippets"`
}

func (w *WebSearch) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query     string `json:"query"`
		Count     int    `json:"count"`
		Page      int    `json:"page"`
		Site      string `json:"site"`
		Freshness string `json:"freshness"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if params.Site != "" {
		query += " site:" + strings.TrimSpace(params.Site)
	}
	count := params.Count
	if count <= 0 {
		count = defaultSearchCount
	}
	count = min(count, maxSearchCount)
	page := min(max(params.Page, 0), maxSearchOffset)

	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	if page > 0 {
		q.Set("offset", strconv.Itoa(page))
	}
	if params.Freshness != "" {
		code, ok := freshness[params.Freshness]
		if !ok {
			return "", fmt.Errorf("freshness must be day, week, month or year")
		}
		q.Set("freshness", code)
	}

	result, err := w.fetch(ctx, q)
	if err != nil {
		return "", err
	}
	if len(result.Web.Results) == 0 {
		return fmt.Sprintf("No results for %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %q", query)
	if page > 0 {
		fmt.Fprintf(&sb, " (page %d)", page)
	}
	sb.WriteString(":\n\n")
	for i, hit := range result.Web.Results {
		fmt.Fprintf(&sb, "%d. [%s](%s)", page*count+i+1, plainSnippet(hit.Title), hit.URL)
		if hit.Age != "" {
			fmt.Fprintf(&sb, " (%s)", hit.Age)
		}
		sb.WriteByte('\n')
		if s := plainSnippet(hit.Description); s != "" {
			fmt.Fprintf(&sb, "   %s\n", s)
		}
		for _, extra := range hit.ExtraSnippets {
			if s := plainSnippet(extra); s != "" {
				fmt.Fprintf(&sb, "   > %s\n", s)
			}
		}
	}
	if result.Query.MoreResultsAvailable && page < maxSearchOffset {
		fmt.Fprintf(&sb, "\nMore results: repeat with page %d.\n", page+1)
	}
	return sb.String(), nil
}

func (w *WebSearch) fetch(ctx context.Context, q url.Values) (*searchPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxSearchBodyBytes)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("search rate limited (status 429), retry after %s seconds", cmp.Or(resp.Header.Get("Retry-After"), "a few"))
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(body, 512))
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var page searchPage
	if err := json.NewDecoder(body).Decode(&page); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &page, nil
}

// plainSnippet turns a snippet's inline HTML (<strong> highlights, entities)
// into one line of Markdown capped at maxSnippetChars.
func plainSnippet(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		if md, err := htmltomarkdown.ConvertString(s); err == nil {
			s = md
		}
	}
	s = strings.Join(strings.Fields(s), " ")
	if cut, ok := truncate(s, maxSnippetChars); ok {
		s = cut + "..."
	}
	return s
}
