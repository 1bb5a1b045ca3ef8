package broker

import (
	"context"
	"path/filepath"
	"sync"
	"time"
)

// MemBroker is an in-process Broker implementation used by component tests
// so internal/persister and internal/collector can be exercised without a
// live Redis instance. It honors the same FIFO/at-most-once/TTL contracts
// as RedisBroker.
type MemBroker struct {
	mu     sync.Mutex
	queues map[string][][]byte
	kv     map[string]kvEntry
	subs   []*memSub
	cond   *sync.Cond
}

type kvEntry struct {
	value  []byte
	expiry time.Time
}

type memSub struct {
	pattern string
	ch      chan Message
	closed  bool
}

func NewMemBroker() *MemBroker {
	b := &MemBroker{
		queues: make(map[string][][]byte),
		kv:     make(map[string]kvEntry),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemBroker) Push(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	b.queues[queue] = append(b.queues[queue], payload)
	b.mu.Unlock()
	b.cond.Broadcast()
	return nil
}

func (b *MemBroker) PopNonBlocking(_ context.Context, queue string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked(queue), nil
}

func (b *MemBroker) popLocked(queue string) []byte {
	items := b.queues[queue]
	if len(items) == 0 {
		return nil
	}
	item := items[0]
	b.queues[queue] = items[1:]
	return item
}

func (b *MemBroker) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if item := b.popLocked(queue); item != nil {
			return item, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		waitCh := make(chan struct{})
		go func() {
			time.Sleep(minDuration(remaining, 5*time.Millisecond))
			close(waitCh)
		}()
		b.mu.Unlock()
		<-waitCh
		b.mu.Lock()

		if time.Now().After(deadline) {
			if item := b.popLocked(queue); item != nil {
				return item, nil
			}
			return nil, nil
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (b *MemBroker) QueueLen(_ context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

func (b *MemBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		if matched, _ := filepath.Match(s.pattern, topic); matched {
			select {
			case s.ch <- Message{Topic: topic, Payload: payload}:
			default:
			}
		}
	}
	return nil
}

func (b *MemBroker) PatternSubscribe(_ context.Context, pattern string) (*Subscription, error) {
	sub := &memSub{pattern: pattern, ch: make(chan Message, 64)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	closeFn := func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		return nil
	}

	return &Subscription{C: sub.ch, Close: closeFn}, nil
}

func (b *MemBroker) SetKV(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	expiry := time.Time{}
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	b.kv[key] = kvEntry{value: value, expiry: expiry}
	return nil
}

func (b *MemBroker) GetKV(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(b.kv, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (b *MemBroker) DeleteKV(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

func (b *MemBroker) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out []string
	for k, entry := range b.kv {
		if !entry.expiry.IsZero() && now.After(entry.expiry) {
			continue
		}
		if matched, _ := filepath.Match(pattern, k); matched {
			out = append(out, k)
		}
	}
	return out, nil
}

func (b *MemBroker) Close() error { return nil }
