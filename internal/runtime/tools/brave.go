package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const DefaultBraveURL = "https://api.search.brave.com/res/v1/web/search"

// freshness values accepted by the Brave API: past day, week, month, year.
var freshness = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}

// BraveSearch queries the Brave web search API.
type BraveSearch struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBraveSearch creates the brave_search tool. An empty baseURL uses the
// public API.
func NewBraveSearch(apiKey, baseURL string) *BraveSearch {
	if baseURL == "" {
		baseURL = DefaultBraveURL
	}
	return &BraveSearch{apiKey: apiKey, endpoint: baseURL, client: newWebClient(15 * time.Second)}
}

func (b *BraveSearch) Name() string        { return "brave_search" }
func (b *BraveSearch) Description() string { return "Search the web and return titles, URLs and snippets" }
func (b *BraveSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Search query"},
			"count": {"type": "integer", "description": "Number of results (default: 5, max: 20)"},
			"freshness": {"type": "string", "enum": ["pd", "pw", "pm", "py"], "description": "Only results from the past day, week, month or year"}
		},
		"required": ["query"]
	}`)
}

// SearchResult is one brave_search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Age         string `json:"age,omitempty"`
}

type searchArgs struct {
	Query     string `json:"query"`
	Count     int    `json:"count"`
	Freshness string `json:"freshness"`
}

func (a *searchArgs) normalize() error {
	if a.Query == "" {
		return errors.New("query is required")
	}
	if a.Freshness != "" && !freshness[a.Freshness] {
		return fmt.Errorf("freshness must be one of pd, pw, pm, py, got %q", a.Freshness)
	}
	switch {
	case a.Count <= 0:
		a.Count = 5
	case a.Count > 20:
		a.Count = 20
	}
	return nil
}

func (b *BraveSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params searchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	if err := params.normalize(); err != nil {
		return "", err
	}

	u, err := url.Parse(b.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	if params.Freshness != "" {
		q.Set("freshness", params.Freshness)
	}
	u.RawQuery = q.Encode()

	header := http.Header{"Accept": {"application/json"}, "X-Subscription-Token": {b.apiKey}}
	p, err := fetch(ctx, b.client, u.String(), header, 4<<20)
	if err != nil {
		return "", fmt.Errorf("search: %w", err)
	}

	var decoded struct {
		Web struct {
			Results []SearchResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(p.body, &decoded); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	results := decoded.Web.Results
	if results == nil {
		results = []SearchResult{}
	}
	return jsonString(map[string]any{"query": params.Query, "results": results})
}
