package broker

import (
	"context"
	"testing"
	"time"
)

func TestMemBrokerFIFOOrdering(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := b.Push(ctx, "q", []byte(v)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := b.PopNonBlocking(ctx, "q")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestMemBrokerPopBlockingTimesOutEmpty(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	start := time.Now()
	got, err := b.PopBlocking(ctx, "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop blocking: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on timeout, got %q", got)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("returned too early")
	}
}

func TestMemBrokerPopBlockingWakesOnPush(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	resultCh := make(chan []byte, 1)
	go func() {
		got, _ := b.PopBlocking(ctx, "q", 2*time.Second)
		resultCh <- got
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Push(ctx, "q", []byte("hello")); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case got := <-resultCh:
		if string(got) != "hello" {
			t.Fatalf("got %q want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking pop did not wake on push")
	}
}

func TestMemBrokerKVTTLExpiry(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	if err := b.SetKV(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, ok, err := b.GetKV(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("expected immediate hit, got value=%q ok=%v err=%v", value, ok, err)
	}

	time.Sleep(40 * time.Millisecond)

	_, ok, err = b.GetKV(ctx, "k")
	if err != nil {
		t.Fatalf("get after ttl: %v", err)
	}
	if ok {
		t.Fatal("expected key to have expired")
	}
}

func TestMemBrokerPatternSubscribeDeliversMatchingTopic(t *testing.T) {
	b := NewMemBroker()
	ctx := context.Background()

	sub, err := b.PatternSubscribe(ctx, "collector:*")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "collector:BTC-USDT-SWAP", []byte(`{"action":"subscribe"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "other:topic", []byte("ignored")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.C:
		if msg.Topic != "collector:BTC-USDT-SWAP" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive matching publish")
	}
}
