package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/nostragent/internal/types"
)

func newTurn(payer, text string) *Turn {
	return NewTurn(&types.InboundMessage{Sender: payer, Text: text})
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2, 0, 0, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	var running int32
	var maxSeen int32
	var done sync.WaitGroup
	done.Add(5)

	queue.SetProcessor(func(*Turn) error {
		defer done.Done()
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(newTurn(fmt.Sprintf("payer-%d", i), "hi")); err != nil {
			t.Fatal(err)
		}
	}
	done.Wait()

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueSamePayerOrdering(t *testing.T) {
	queue := NewQueue(4, 0, 0, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	queue.SetProcessor(func(turn *Turn) error {
		mu.Lock()
		order = append(order, turn.Message.Text)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	for _, text := range []string{"one", "two", "three"} {
		if err := queue.Enqueue(newTurn("same-payer", text)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for turns to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"one", "two", "three"} {
		if order[i] != want {
			t.Errorf("position %d: expected %q, got %q", i, want, order[i])
		}
	}
}

func TestQueueLaneFull(t *testing.T) {
	queue := NewQueue(1, 1, 0, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	queue.SetProcessor(func(*Turn) error {
		started <- struct{}{}
		<-release
		return nil
	})
	defer close(release)

	if err := queue.Enqueue(newTurn("p", "first")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := queue.Enqueue(newTurn("p", "second")); err != nil {
		t.Fatal(err)
	}
	err := queue.Enqueue(newTurn("p", "third"))
	if !errors.Is(err, ErrLaneFull) {
		t.Fatalf("expected ErrLaneFull, got %v", err)
	}
}

func TestQueueIdleLaneTornDown(t *testing.T) {
	queue := NewQueue(1, 0, 50*time.Millisecond, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	processed := make(chan *Turn, 2)
	queue.SetProcessor(func(turn *Turn) error {
		processed <- turn
		return nil
	})

	if err := queue.Enqueue(newTurn("p", "hello")); err != nil {
		t.Fatal(err)
	}
	<-processed
	if queue.Lanes() != 1 {
		t.Fatalf("expected 1 lane, got %d", queue.Lanes())
	}

	deadline := time.Now().Add(2 * time.Second)
	for queue.Lanes() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle lane was not torn down")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A new message recreates the lane.
	if err := queue.Enqueue(newTurn("p", "again")); err != nil {
		t.Fatal(err)
	}
	select {
	case turn := <-processed:
		if turn.Message.Text != "again" {
			t.Errorf("unexpected turn %q", turn.Message.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recreated lane")
	}
}

func TestQueueProcessorErrorKeepsLaneAlive(t *testing.T) {
	queue := NewQueue(1, 0, 0, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	var calls atomic.Int32
	done := make(chan *Turn, 2)
	queue.SetProcessor(func(turn *Turn) error {
		defer func() { done <- turn }()
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		return nil
	})

	queue.Enqueue(newTurn("p", "fails"))
	queue.Enqueue(newTurn("p", "works"))

	first := <-done
	second := <-done
	// finish runs after the processor returns, so wait for both to settle.
	if !queue.WaitIdle(time.Second) {
		t.Fatal("queue did not go idle")
	}
	if first.Status != TurnStatusFailed || first.Error == nil {
		t.Errorf("expected first turn failed, got %s", first.Status)
	}
	if second.Status != TurnStatusComplete {
		t.Errorf("expected second turn complete, got %s", second.Status)
	}
}

func TestQueueEnqueueBeforeStart(t *testing.T) {
	queue := NewQueue(1, 0, 0, nil)
	if err := queue.Enqueue(newTurn("p", "early")); err == nil {
		t.Fatal("expected error enqueueing before Start")
	}
}

func TestQueueProcessorPanicKeepsLaneAlive(t *testing.T) {
	queue := NewQueue(1, 0, 0, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	var calls atomic.Int32
	done := make(chan *Turn, 2)
	queue.SetProcessor(func(turn *Turn) error {
		defer func() { done <- turn }()
		if calls.Add(1) == 1 {
			var seen map[string]bool
			seen[turn.Message.Text] = true
		}
		return nil
	})

	queue.Enqueue(newTurn("p", "panics"))
	queue.Enqueue(newTurn("p", "works"))

	first := <-done
	second := <-done
	if !queue.WaitIdle(time.Second) {
		t.Fatal("queue did not go idle")
	}
	if first.Status != TurnStatusFailed || first.Error == nil {
		t.Errorf("expected first turn failed, got %s (%v)", first.Status, first.Error)
	}
	if second.Status != TurnStatusComplete {
		t.Errorf("expected second turn complete, got %s", second.Status)
	}
}
