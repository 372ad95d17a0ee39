package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	braveEndpoint     = "https://api.search.brave.com/res/v1/web/search"
	defaultBraveCount = 5
	maxBraveCount     = 20
)

// BraveSearch answers web queries through the Brave Search API.
type BraveSearch struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewBraveSearch returns the tool. endpoint overrides the public API URL
// when non-empty.
func NewBraveSearch(apiKey, endpoint string) *BraveSearch {
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	return &BraveSearch{
		apiKey:   apiKey,
		endpoint: endpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (b *BraveSearch) Name() string { return "brave_search" }

func (b *BraveSearch) Description() string {
	return "Search the web for current information. Returns numbered results with title, link and snippet."
}

func (b *BraveSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"query":{"type":"string","description":"What to search for"},` +
		`"count":{"type":"integer","description":"Results to return, 1-20 (default 5)"}` +
		`},"required":["query"]}`)
}

type searchArgs struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (a *searchArgs) normalize() error {
	a.Query = strings.TrimSpace(a.Query)
	if a.Query == "" {
		return errors.New("query is required")
	}
	a.Count = min(max(a.Count, 0), maxBraveCount)
	if a.Count == 0 {
		a.Count = defaultBraveCount
	}
	return nil
}

func (b *BraveSearch) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("brave_search: bad arguments: %w", err)
	}
	if err := args.normalize(); err != nil {
		return "", fmt.Errorf("brave_search: %w", err)
	}

	target := b.endpoint + "?" + url.Values{
		"q":     {args.Query},
		"count": {strconv.Itoa(args.Count)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("brave_search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("brave_search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("brave_search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("brave_search: decode response: %w", err)
	}

	results := body.Web.Results
	if len(results) == 0 {
		return "No results found.", nil
	}
	lines := make([]string, 0, len(results))
	for i, r := range results {
		lines = append(lines, fmt.Sprintf("%d. %s\n   %s\n   %s", i+1, r.Title, r.URL, cleanSnippet(r.Description)))
	}
	return strings.Join(lines, "\n\n"), nil
}

// cleanSnippet drops Brave's <strong> match highlighting and HTML entities.
func cleanSnippet(s string) string {
	s = strings.NewReplacer("<strong>", "", "</strong>", "").Replace(s)
	return html.UnescapeString(s)
}
