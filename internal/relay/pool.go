package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pool keeps a connection to every configured relay, reconnecting with
// backoff and replaying active subscriptions on each new connection.
type Pool struct {
	urls   []string
	retry  *RetryPolicy
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	subs  map[string]*poolSub

	seen *seenSet
}

type poolSub struct {
	id      string
	filters []Filter
	out     chan *Event
	done    chan struct{}
}

func NewPool(urls []string, retry *RetryPolicy, logger *slog.Logger) *Pool {
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		urls:   urls,
		retry:  retry,
		logger: logger,
		conns:  make(map[string]*Conn),
		subs:   make(map[string]*poolSub),
		seen:   newSeenSet(4096),
	}
}

// Start launches one maintenance goroutine per relay. They exit when ctx
// is done.
func (p *Pool) Start(ctx context.Context) {
	for _, url := range p.urls {
		go p.maintain(ctx, url)
	}
}

func (p *Pool) maintain(ctx context.Context, url string) {
	attempt := 0
	for {
		conn, err := Dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := p.retry.NextDelay(attempt)
			p.logger.Warn("relay connect failed", "relay", url, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		p.logger.Info("relay connected", "relay", url)

		p.mu.Lock()
		p.conns[url] = conn
		subs := make([]*poolSub, 0, len(p.subs))
		for _, s := range p.subs {
			subs = append(subs, s)
		}
		p.mu.Unlock()

		for _, s := range subs {
			p.attach(ctx, conn, s)
		}

		select {
		case <-ctx.Done():
			conn.Close()
			p.drop(url, conn)
			return
		case <-conn.Done():
			p.drop(url, conn)
			p.logger.Warn("relay disconnected", "relay", url, "error", conn.Err())
		}
	}
}

func (p *Pool) drop(url string, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[url] == conn {
		delete(p.conns, url)
	}
}

// attach opens s on conn and forwards unseen events to s.out.
func (p *Pool) attach(ctx context.Context, conn *Conn, s *poolSub) {
	sub, err := conn.Subscribe(ctx, s.id, s.filters...)
	if err != nil {
		p.logger.Warn("relay subscribe failed", "relay", conn.URL, "sub", s.id, "error", err)
		return
	}
	go func() {
		for ev := range sub.Events {
			if !p.seen.Add(s.id + ":" + ev.ID) {
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Subscribe registers filters on every current and future connection. The
// returned channel is never closed; stop reading when ctx is done or after
// calling cancel.
func (p *Pool) Subscribe(ctx context.Context, filters ...Filter) (<-chan *Event, func()) {
	s := &poolSub{
		id:      uuid.NewString()[:8],
		filters: filters,
		out:     make(chan *Event, 256),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	p.subs[s.id] = s
	conns := p.snapshot()
	p.mu.Unlock()

	for _, c := range conns {
		p.attach(ctx, c, s)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(s.done)
			p.mu.Lock()
			delete(p.subs, s.id)
			conns := p.snapshot()
			p.mu.Unlock()
			for _, c := range conns {
				closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
				_ = c.Unsubscribe(closeCtx, s.id)
				done()
			}
		})
	}
	return s.out, cancel
}

// snapshot returns the live connections. Caller must hold mu.
func (p *Pool) snapshot() []*Conn {
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connected reports how many relays are currently connected.
func (p *Pool) Connected() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// WaitConnected blocks until at least one relay is connected.
func (p *Pool) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for p.Connected() == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no relay connected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Publish sends ev to every connected relay and succeeds if at least one
// accepts it.
func (p *Pool) Publish(ctx context.Context, ev *Event) error {
	return p.retry.Execute(ctx, func() error {
		if err := p.WaitConnected(ctx); err != nil {
			return err
		}
		p.mu.RLock()
		conns := p.snapshot()
		p.mu.RUnlock()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
			ok   bool
		)
		for _, c := range conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				err := c.Publish(pubCtx, ev)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ok = true
			}()
		}
		wg.Wait()

		if ok {
			return nil
		}
		if len(errs) == 0 {
			return ErrConnClosed
		}
		return fmt.Errorf("publish %s: %w", ev.ID, errors.Join(errs...))
	})
}

// seenSet remembers the most recent keys in insertion order.
type seenSet struct {
	mu    sync.Mutex
	max   int
	keys  map[string]struct{}
	order []string
}

func newSeenSet(max int) *seenSet {
	return &seenSet{max: max, keys: make(map[string]struct{}, max)}
}

// Add reports whether key was new.
func (s *seenSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.max {
		delete(s.keys, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
