package taskq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "appnotifier/pkg/logx"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	r := New(logx.Nop())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if !r.Submit("k", func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(got) != 50 {
		t.Fatalf("expected 50 tasks, ran %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order violated at %d: got %d", i, v)
		}
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	r := New(logx.Nop())

	release := make(chan struct{})
	started := make(chan string, 2)

	r.Submit("a", func() {
		started <- "a"
		<-release
	})
	r.Submit("b", func() {
		started <- "b"
		<-release
	})

	// Both must start even though neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("keys did not run in parallel")
		}
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestPanicDoesNotStallQueue(t *testing.T) {
	r := New(logx.Nop())

	var ran atomic.Bool
	r.Submit("k", func() { panic("boom") })
	r.Submit("k", func() { ran.Store(true) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !ran.Load() {
		t.Fatal("task after panic did not run")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	r := New(logx.Nop())
	r.Close()
	if r.Submit("k", func() {}) {
		t.Fatal("Submit after Close must be rejected")
	}
}
