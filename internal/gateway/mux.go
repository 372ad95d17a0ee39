package gateway

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/user/nostragent/internal/types"
)

// Mux fans several transports into one. Outbound messages are routed by
// recipient prefix (e.g. "tg:"); recipients without a registered prefix go
// to the default transport.
type Mux struct {
	def      types.Transport
	prefixed map[string]types.Transport
}

var _ types.Transport = (*Mux)(nil)

func NewMux(def types.Transport) *Mux {
	return &Mux{def: def, prefixed: make(map[string]types.Transport)}
}

// Handle registers a transport for recipients starting with prefix.
func (m *Mux) Handle(prefix string, t types.Transport) {
	m.prefixed[prefix] = t
}

// Listen runs every transport until ctx is done or one of them fails.
func (m *Mux) Listen(ctx context.Context, handler types.InboundHandler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range m.transports() {
		g.Go(func() error { return t.Listen(ctx, handler) })
	}
	return g.Wait()
}

func (m *Mux) SendDirectMessage(ctx context.Context, recipient, text string, tags types.Tags) error {
	t := m.route(recipient)
	if t == nil {
		return fmt.Errorf("no transport for recipient %q", recipient)
	}
	return t.SendDirectMessage(ctx, recipient, text, tags)
}

func (m *Mux) route(recipient string) types.Transport {
	for prefix, t := range m.prefixed {
		if strings.HasPrefix(recipient, prefix) {
			return t
		}
	}
	return m.def
}

func (m *Mux) transports() []types.Transport {
	var out []types.Transport
	if m.def != nil {
		out = append(out, m.def)
	}
	for _, t := range m.prefixed {
		out = append(out, t)
	}
	return out
}
