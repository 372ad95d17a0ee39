package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

var ErrConnClosed = errors.New("relay connection closed")

// RejectedError is an OK message with accepted=false. Reason carries the
// relay's machine-readable prefix, e.g. "blocked: spam".
type RejectedError struct {
	Relay  string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Reason)
}

// Temporary reports whether the relay asked us to come back later.
func (e *RejectedError) Temporary() bool {
	return strings.HasPrefix(e.Reason, "rate-limited:")
}

// Conn is a single websocket connection to a relay.
type Conn struct {
	URL string
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*Subscription
	oks  map[string]chan okResult

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type okResult struct {
	accepted bool
	message  string
}

// Subscription receives events for one REQ. Events is closed when the
// subscription ends or the connection drops.
type Subscription struct {
	ID      string
	Filters []Filter
	Events  chan *Event
	EOSE    chan struct{}

	eoseOnce  sync.Once
	closeOnce sync.Once
}

func (s *Subscription) markEOSE() { s.eoseOnce.Do(func() { close(s.EOSE) }) }
func (s *Subscription) close()    { s.closeOnce.Do(func() { close(s.Events) }) }

// Dial connects to url and starts the read loop.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	ws.SetReadLimit(4 << 20)

	c := &Conn{
		URL:  url,
		ws:   ws,
		subs: make(map[string]*Subscription),
		oks:  make(map[string]chan okResult),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		for id, sub := range c.subs {
			sub.close()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write to %s: %w", c.URL, err)
	}
	return nil
}

// Publish sends the event and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, ev *Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, []any{"EVENT", ev}); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return &RejectedError{Relay: c.URL, Reason: res.message}
		}
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Subscribe(ctx context.Context, id string, filters ...Filter) (*Subscription, error) {
	sub := &Subscription{
		ID:      id,
		Filters: filters,
		Events:  make(chan *Event, 256),
		EOSE:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.err != nil || isClosed(c.done) {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.subs[id] = sub
	c.mu.Unlock()

	req := make([]any, 0, len(filters)+2)
	req = append(req, "REQ", id)
	for _, f := range filters {
		req = append(req, f)
	}
	if err := c.write(ctx, req); err != nil {
		c.removeSub(id)
		return nil, err
	}
	return sub, nil
}

func (c *Conn) Unsubscribe(ctx context.Context, id string) error {
	c.removeSub(id)
	return c.write(ctx, []any{"CLOSE", id})
}

func (c *Conn) removeSub(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[id]; ok {
		sub.close()
		delete(c.subs, id)
	}
}

func (c *Conn) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.shutdown(err)
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var env []json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || len(env) < 2 {
		slog.Debug("ignoring malformed relay message", "relay", c.URL)
		return
	}
	var label string
	if err := json.Unmarshal(env[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(env) < 3 {
			return
		}
		var subID string
		var ev Event
		if json.Unmarshal(env[1], &subID) != nil || json.Unmarshal(env[2], &ev) != nil {
			return
		}
		c.deliver(subID, &ev)

	case "EOSE":
		var subID string
		if json.Unmarshal(env[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[subID]
		c.mu.Unlock()
		if sub != nil {
			sub.markEOSE()
		}

	case "OK":
		if len(env) < 3 {
			return
		}
		var (
			id       string
			accepted bool
			message  string
		)
		_ = json.Unmarshal(env[1], &id)
		_ = json.Unmarshal(env[2], &accepted)
		if len(env) > 3 {
			_ = json.Unmarshal(env[3], &message)
		}
		c.mu.Lock()
		ch := c.oks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- okResult{accepted: accepted, message: message}:
			default:
			}
		}

	case "NOTICE":
		var msg string
		_ = json.Unmarshal(env[1], &msg)
		slog.Info("relay notice", "relay", c.URL, "message", msg)

	case "CLOSED":
		var subID, msg string
		_ = json.Unmarshal(env[1], &subID)
		if len(env) > 2 {
			_ = json.Unmarshal(env[2], &msg)
		}
		slog.Warn("relay closed subscription", "relay", c.URL, "sub", subID, "message", msg)
		c.removeSub(subID)
	}
}

// deliver verifies the event and hands it to the subscription. Holding mu
// while sending keeps removeSub from closing the channel underneath us.
func (c *Conn) deliver(subID string, ev *Event) {
	if err := ev.Verify(); err != nil {
		slog.Debug("dropping event with bad signature", "relay", c.URL, "id", ev.ID, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return
	}
	matched := len(sub.Filters) == 0
	for _, f := range sub.Filters {
		if f.Matches(ev) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}
	select {
	case sub.Events <- ev:
	default:
		slog.Warn("subscription buffer full, dropping event", "relay", c.URL, "sub", subID, "id", ev.ID)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
