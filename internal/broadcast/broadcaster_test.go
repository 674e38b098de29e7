package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSubscriberReceivesPrefixThenTail(t *testing.T) {
	b := New()
	b.Publish([]byte("a"))
	b.Publish([]byte("b"))

	sub := b.Subscribe()
	chunk, ok, err := sub.Next(context.Background())
	if err != nil || !ok || string(chunk) != "a" {
		t.Fatalf("expected prefix chunk 'a', got %q ok=%v err=%v", chunk, ok, err)
	}
	chunk, ok, err = sub.Next(context.Background())
	if err != nil || !ok || string(chunk) != "b" {
		t.Fatalf("expected prefix chunk 'b', got %q ok=%v err=%v", chunk, ok, err)
	}

	done := make(chan struct{})
	go func() {
		chunk, ok, err := sub.Next(context.Background())
		if err != nil || !ok || string(chunk) != "c" {
			t.Errorf("expected live chunk 'c', got %q ok=%v err=%v", chunk, ok, err)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Publish([]byte("c"))
	<-done
}

func TestAllSubscribersSeeSameOrder(t *testing.T) {
	b := New()
	const n = 5
	var wg sync.WaitGroup
	results := make([][]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := b.Subscribe()
			for {
				chunk, ok, err := sub.Next(context.Background())
				if !ok {
					if err != nil {
						return
					}
					return
				}
				results[i] = append(results[i], string(chunk))
			}
		}(i)
	}
	for _, c := range []string{"1", "2", "3"} {
		b.Publish([]byte(c))
	}
	b.CloseOK()
	wg.Wait()

	want := []string{"1", "2", "3"}
	for i, got := range results {
		if len(got) != len(want) {
			t.Fatalf("subscriber %d: got %v want %v", i, got, want)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("subscriber %d: got %v want %v", i, got, want)
			}
		}
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	b.CloseOK()
	b.CloseError(ErrCancelled) // must not panic or change state
	state, err := b.Status()
	if state != ClosedOK || err != nil {
		t.Fatalf("expected first close to win, got state=%v err=%v", state, err)
	}
}

func TestClosedErrorPropagatesToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.CloseError(ErrCancelled)
	_, ok, err := sub.Next(context.Background())
	if ok || err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got ok=%v err=%v", ok, err)
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, ok, err := sub.Next(ctx)
	if ok || err != context.Canceled {
		t.Fatalf("expected context.Canceled, got ok=%v err=%v", ok, err)
	}
}

func TestHasPublishedGatesFailover(t *testing.T) {
	b := New()
	if b.HasPublished() {
		t.Fatal("fresh broadcaster should report no published bytes")
	}
	b.Publish([]byte("x"))
	if !b.HasPublished() {
		t.Fatal("expected HasPublished true after first chunk")
	}
}
