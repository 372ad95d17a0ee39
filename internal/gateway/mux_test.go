package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestMuxRoutesByPrefix(t *testing.T) {
	nostr := &fakeTransport{}
	tg := &fakeTransport{}
	m := NewMux(nostr)
	m.Handle("tg:", tg)

	ctx := context.Background()
	if err := m.SendDirectMessage(ctx, "tg:42", "hello", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.SendDirectMessage(ctx, "abcdef", "hi", nil); err != nil {
		t.Fatal(err)
	}

	if got := tg.messages(); len(got) != 1 || got[0].to != "tg:42" {
		t.Errorf("unexpected telegram sends %+v", got)
	}
	if got := nostr.messages(); len(got) != 1 || got[0].to != "abcdef" {
		t.Errorf("unexpected nostr sends %+v", got)
	}
}

func TestMuxNoDefault(t *testing.T) {
	m := NewMux(nil)
	if err := m.SendDirectMessage(context.Background(), "abc", "x", nil); err == nil {
		t.Fatal("expected error without a default transport")
	}
}

func TestMuxListenStopsWithContext(t *testing.T) {
	m := NewMux(&fakeTransport{})
	m.Handle("tg:", &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Listen(ctx, nil) }()
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected error %v", err)
	}
}
