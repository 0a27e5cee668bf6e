package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFuncSuccess(t *testing.T) {
	f := NewFunc(func(ctx context.Context, results map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})

	var mu sync.Mutex
	var gotData map[string]any
	var gotErr error
	done := make(chan struct{})

	f.OnSuccess(func(data map[string]any) {
		mu.Lock()
		gotData = data
		mu.Unlock()
		close(done)
	})
	f.OnFailure(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
		close(done)
	})

	start := f.Start(context.Background())
	start(map[string]any{})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotData["ok"] != true {
		t.Fatalf("unexpected data: %v", gotData)
	}
}

func TestFuncFailure(t *testing.T) {
	wantErr := errors.New("boom")
	f := NewFunc(func(ctx context.Context, results map[string]any) (map[string]any, error) {
		return nil, wantErr
	})

	done := make(chan error, 1)
	f.OnSuccess(func(data map[string]any) { done <- nil })
	f.OnFailure(func(err error) { done <- err })

	start := f.Start(context.Background())
	start(map[string]any{})

	select {
	case err := <-done:
		if err != wantErr {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestFuncOneShot(t *testing.T) {
	f := NewFunc(func(ctx context.Context, results map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})

	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	f.OnSuccess(func(data map[string]any) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	start := f.Start(context.Background())
	start(map[string]any{})
	<-done

	// Invoke the StartFunc a second time to simulate a protocol violation
	// (a second completion); the sync.Once inside Start's goroutine drops
	// it, so the observed call count stays at 1.
	start(map[string]any{})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}
}
