package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSearchResults = 5
	maxSearchResults     = 20
	braveSearchURL       = "https://api.search.brave.com/res/v1/web/search"
)

// WebSearch queries the Brave Search API. It is only registered when an
// API key is configured.
type WebSearch struct {
	apiKey    string
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewWebSearch creates a WebSearch tool using apiKey.
func NewWebSearch(apiKey, userAgent string) *WebSearch {
	return &WebSearch{
		apiKey:    apiKey,
		endpoint:  braveSearchURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *WebSearch) Name() string        { return "web_search" }
func (s *WebSearch) Description() string { return "Search the web and return titles, URLs and snippets" }
func (s *WebSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (1-20, default 5)"}
		},
		"required": ["query"]
	}`)
}

type searchHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (s *WebSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	count := min(max(params.Count, 0), maxSearchResults)
	if count == 0 {
		count = defaultSearchResults
	}

	hits, err := s.search(ctx, params.Query, count)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "No results found.", nil
	}
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, h.Title, h.URL)
		if h.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", h.Description)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (s *WebSearch) search(ctx context.Context, query string, count int) ([]searchHit, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", s.apiKey)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadURLBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, firstLine(string(body)))
	}

	var payload struct {
		Web struct {
			Results []searchHit `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	hits := payload.Web.Results
	if len(hits) > count {
		hits = hits[:count]
	}
	return hits, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
