package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsEveryTask(t *testing.T) {
	pool := NewPool(3, 4, nil, nil)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("expected 10 tasks, got %d", got)
	}
}

func TestPool_DetachesCancellation(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)

	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "node-1"))

	result := make(chan error, 1)
	value := make(chan any, 1)
	release := make(chan struct{})
	if err := pool.Submit(ctx, func(ctx context.Context) {
		<-release
		result <- ctx.Err()
		value <- ctx.Value(key{})
	}); err != nil {
		t.Fatal(err)
	}
	cancel()
	close(release)

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-result; err != nil {
		t.Errorf("task saw caller cancellation: %v", err)
	}
	if v := <-value; v != "node-1" {
		t.Errorf("task lost context values, got %v", v)
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	pool := NewPool(1, 2, nil, nil)

	var ran atomic.Bool
	_ = pool.Submit(context.Background(), func(context.Context) { panic("boom") })
	_ = pool.Submit(context.Background(), func(context.Context) { ran.Store(true) })

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Error("worker died after a panicking task")
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewPool(1, 1, nil, nil)
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := pool.Submit(context.Background(), func(context.Context) {})
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_SubmitWithDoneContext(t *testing.T) {
	pool := NewPool(1, 64, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		err := pool.Submit(ctx, func(context.Context) { ran.Add(1) })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("submit %d: expected context.Canceled, got %v", i, err)
		}
	}

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ran.Load(); got != 0 {
		t.Errorf("expected no task to run, got %d", got)
	}
}

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		conflict  bool
		code      string
	}{
		{"transient", NewTransientError("engine down", nil), true, false, ErrCodeInternal},
		{"conflict", NewConflictError("name in use", nil), false, true, ErrCodeConflict},
		{"not found", NewNotFoundError("node", "n1"), false, false, ErrCodeNotFound},
		{"wrapped", errors.Join(errors.New("context"), NewValidationError("bad", nil)), false, false, ErrCodeValidation},
		{"plain", errors.New("plain"), false, false, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict = %v, want %v", got, tt.conflict)
			}
			if got := CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf = %s, want %s", got, tt.code)
			}
		})
	}

	err := NewPermanentError("installer failed", nil).WithNode("gluuopendj_1").WithStep("install")
	if want := "[permanent] installer failed (node=gluuopendj_1, step=install)"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
