package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

type braveRequest struct {
	mu    sync.Mutex
	query url.Values
	token string
}

func (b *braveRequest) get() (url.Values, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.query, b.token
}

// braveServer answers every search with results and records the last query.
func braveServer(t *testing.T, results []map[string]string) (*httptest.Server, *braveRequest) {
	t.Helper()
	last := &braveRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.mu.Lock()
		last.query, last.token = r.URL.Query(), r.Header.Get("X-Subscription-Token")
		last.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"web": map[string]any{"results": results}})
	}))
	t.Cleanup(srv.Close)
	return srv, last
}

func TestBraveSearch_FormatsResults(t *testing.T) {
	srv, last := braveServer(t, []map[string]string{
		{"title": "Nostr protocol", "url": "https://nostr.com", "description": "A <strong>simple</strong> open protocol &amp; more"},
		{"title": "NIPs", "url": "https://github.com/nostr-protocol/nips", "description": "Nostr Implementation Possibilities"},
	})

	out, err := NewBraveSearch("key-1", srv.URL).Execute(context.Background(), json.RawMessage(`{"query":"nostr","count":2}`))
	if err != nil {
		t.Fatal(err)
	}
	q, token := last.get()
	if token != "key-1" {
		t.Errorf("token header = %q", token)
	}
	if q.Get("q") != "nostr" || q.Get("count") != "2" {
		t.Errorf("query = %v", q)
	}
	for _, want := range []string{"1. Nostr protocol", "https://nostr.com", "A simple open protocol & more", "2. NIPs"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBraveSearch_Count(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{`{"query":"x"}`, "5"},
		{`{"query":"x","count":-3}`, "5"},
		{`{"query":"x","count":50}`, "20"},
		{`{"query":"x","count":7}`, "7"},
	}
	srv, last := braveServer(t, nil)
	b := NewBraveSearch("k", srv.URL)
	for _, tt := range tests {
		if _, err := b.Execute(context.Background(), json.RawMessage(tt.args)); err != nil {
			t.Fatalf("%s: %v", tt.args, err)
		}
		q, _ := last.get()
		if got := q.Get("count"); got != tt.want {
			t.Errorf("%s: count = %s, want %s", tt.args, got, tt.want)
		}
	}
}

func TestBraveSearch_NoResults(t *testing.T) {
	srv, _ := braveServer(t, nil)
	out, err := NewBraveSearch("k", srv.URL).Execute(context.Background(), json.RawMessage(`{"query":"zzz"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "No results found." {
		t.Errorf("out = %q", out)
	}
}

func TestBraveSearch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	b := NewBraveSearch("k", srv.URL)

	for _, args := range []string{`{"query":"x"}`, `{"query":"  "}`, `not json`} {
		if _, err := b.Execute(context.Background(), json.RawMessage(args)); err == nil {
			t.Errorf("%s: expected error", args)
		}
	}

	_, err := b.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("err = %v, want status in message", err)
	}
}
