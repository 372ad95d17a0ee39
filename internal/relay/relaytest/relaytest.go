// Package relaytest runs an in-memory Nostr relay for tests. It stores every
// event, replays history on REQ and broadcasts new events to every open
// subscription; clients do their own filtering.
package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

type Server struct {
	*httptest.Server

	mu     sync.Mutex
	events []json.RawMessage
	conns  map[*client]struct{}
	reject bool
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]bool
}

func NewServer() *Server {
	s := &Server{conns: make(map[*client]struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// address of the relay.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// Events returns every stored event.
func (s *Server) Events() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.events...)
}

// RejectAll makes the relay answer OK false to every publish.
func (s *Server) RejectAll(v bool) {
	s.mu.Lock()
	s.reject = v
	s.mu.Unlock()
}

// DropConnections closes every client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(4 << 20)
	c := &client{ws: ws, subs: make(map[string]bool)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		ws.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var env []json.RawMessage
		if json.Unmarshal(data, &env) != nil || len(env) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(env[0], &label)

		switch label {
		case "EVENT":
			var ev struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(env[1], &ev)

			s.mu.Lock()
			reject := s.reject
			if !reject {
				s.events = append(s.events, env[1])
			}
			targets := make([]*client, 0, len(s.conns))
			for other := range s.conns {
				targets = append(targets, other)
			}
			s.mu.Unlock()

			if reject {
				c.send(ctx, []any{"OK", ev.ID, false, "blocked: test"})
				continue
			}
			c.send(ctx, []any{"OK", ev.ID, true, ""})
			for _, other := range targets {
				for _, id := range other.subIDs() {
					other.send(ctx, []any{"EVENT", id, env[1]})
				}
			}

		case "REQ":
			var id string
			_ = json.Unmarshal(env[1], &id)
			c.mu.Lock()
			c.subs[id] = true
			c.mu.Unlock()
			for _, ev := range s.Events() {
				c.send(ctx, []any{"EVENT", id, ev})
			}
			c.send(ctx, []any{"EOSE", id})

		case "CLOSE":
			var id string
			_ = json.Unmarshal(env[1], &id)
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}
	}
}

func (c *client) subIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}

func (c *client) send(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.Write(ctx, websocket.MessageText, data)
}
