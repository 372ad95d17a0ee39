package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	defaultReadURLChars = 50000
	maxReadURLBytes     = 5 << 20
	truncatedMarker     = "\n\n[Content truncated]"
	userAgent           = "nostragent/1.0"
)

// ReadURL fetches a page for the model. HTML is converted to markdown;
// any other content type is passed through.
type ReadURL struct {
	http     *http.Client
	maxChars int
}

func NewReadURL(maxChars int) *ReadURL {
	if maxChars <= 0 {
		maxChars = defaultReadURLChars
	}
	return &ReadURL{http: &http.Client{Timeout: 30 * time.Second}, maxChars: maxChars}
}

func (r *ReadURL) Name() string { return "read_url" }

func (r *ReadURL) Description() string {
	return "Fetch a web page by URL and return its text as markdown"
}

func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"url":{"type":"string","description":"Absolute http or https URL"}` +
		`},"required":["url"]}`)
}

func (r *ReadURL) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("read_url: bad arguments: %w", err)
	}
	target, err := checkURL(args.URL)
	if err != nil {
		return "", fmt.Errorf("read_url: %w", err)
	}

	body, contentType, err := r.fetch(ctx, target)
	if err != nil {
		return "", fmt.Errorf("read_url: %w", err)
	}

	text := string(body)
	if mediaType, _, _ := mime.ParseMediaType(contentType); contentType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		if text, err = htmltomarkdown.ConvertString(text); err != nil {
			return "", fmt.Errorf("read_url: convert html: %w", err)
		}
	}
	return truncate(text, r.maxChars), nil
}

func checkURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported url %q", raw)
	}
	return u.String(), nil
}

func (r *ReadURL) fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%s returned status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadURLBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + truncatedMarker
}
