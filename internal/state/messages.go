// internal/state/messages.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/user/nostragent/internal/types"
)

// ErrInvalidThreadID is returned for thread ids that cannot name a directory
// under the log root.
var ErrInvalidThreadID = errors.New("invalid thread id")

// MessageLog is a JSONL-backed append-only message log.
// Messages are stored per-thread in <root>/<agent>/threads/<threadID>/messages.jsonl.
type MessageLog struct {
	root  string
	agent string
	mu    sync.Mutex
	locks map[types.ThreadID]*threadLock
}

// threadLock lives in the map only while some call holds or waits on it.
type threadLock struct {
	sync.Mutex
	refs int
	next int64 // -1 until counted
}

func NewMessageLog(root, agent string) *MessageLog {
	return &MessageLog{
		root:  root,
		agent: agent,
		locks: make(map[types.ThreadID]*threadLock),
	}
}

// acquire locks the thread, creating its entry on first use.
func (l *MessageLog) acquire(thread types.ThreadID) *threadLock {
	l.mu.Lock()
	lock, ok := l.locks[thread]
	if !ok {
		lock = &threadLock{next: -1}
		l.locks[thread] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.Lock()
	return lock
}

// release unlocks the thread and drops its entry once nobody else wants it.
func (l *MessageLog) release(thread types.ThreadID, lock *threadLock) {
	lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, thread)
	}
}

// held reports how many threads currently have a lock entry.
func (l *MessageLog) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *MessageLog) path(thread types.ThreadID) (string, error) {
	name := string(thread)
	if !thread.Valid() || !filepath.IsLocal(name) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidThreadID, name)
	}
	return filepath.Join(l.root, l.agent, "threads", name, "messages.jsonl"), nil
}

// count reads the log and counts lines. Caller must hold the thread lock.
func (l *MessageLog) count(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan messages file: %w", err)
	}
	return count, nil
}

// Append assigns the next idx in the thread and writes the message.
func (l *MessageLog) Append(_ context.Context, msg *types.Message) (*types.Message, error) {
	path, err := l.path(msg.ThreadID)
	if err != nil {
		return nil, err
	}
	lock := l.acquire(msg.ThreadID)
	defer l.release(msg.ThreadID, lock)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}

	if lock.next < 0 {
		n, err := l.count(path)
		if err != nil {
			return nil, err
		}
		lock.next = n
	}

	stored := *msg
	stored.AgentName = l.agent
	stored.Idx = lock.next
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync messages file: %w", err)
	}

	lock.next++
	return &stored, nil
}

// List returns the thread's messages matching the filter, ascending by idx
// unless the filter asks for reverse order. An empty user matches any author.
func (l *MessageLog) List(_ context.Context, thread types.ThreadID, user types.UserID, filter types.MessageFilter) ([]*types.Message, error) {
	path, err := l.path(thread)
	if err != nil {
		return nil, err
	}
	lock := l.acquire(thread)
	defer l.release(thread, lock)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []*types.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var m types.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		if user != "" && m.UserID != user {
			continue
		}
		if filter.Match(&m) {
			msgs = append(msgs, &m)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}

	if filter.Reverse {
		slices.Reverse(msgs)
	}
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[:filter.Limit]
	}
	return msgs, nil
}
