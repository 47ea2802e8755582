package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolNumbersWorkers(t *testing.T) {
	pool, err := NewPool(3, func(id int) (*Worker, error) {
		return &Worker{Backend: &stubSource{}, Executor: &stubRunner{}}, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	statuses := pool.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("len(Statuses()) = %d", len(statuses))
	}
	for i, status := range statuses {
		if status.ID != i+1 {
			t.Fatalf("Statuses()[%d].ID = %d", i, status.ID)
		}
	}
}

func TestNewPoolRejectsInvalidInput(t *testing.T) {
	if _, err := NewPool(0, nil); err == nil {
		t.Fatal("expected error for zero workers")
	}
	_, err := NewPool(2, func(id int) (*Worker, error) {
		return nil, errors.New("no client")
	})
	if err == nil {
		t.Fatal("expected build error")
	}
}

func TestPoolRunStopsAllWorkersOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sleeping atomic.Int32
	pool, err := NewPool(4, func(id int) (*Worker, error) {
		return &Worker{
			Backend:  &stubSource{},
			Executor: &stubRunner{},
			Config:   Config{PollInterval: time.Hour},
			Sleep: func(ctx context.Context, d time.Duration) error {
				sleeping.Add(1)
				<-ctx.Done()
				return ctx.Err()
			},
		}, nil
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sleeping.Load() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d workers reached idle", sleeping.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	for _, status := range pool.Statuses() {
		if status.State != StateStopped {
			t.Fatalf("worker %d state = %q", status.ID, status.State)
		}
	}
}

func TestPoolReadyOnceAnyWorkerReachedBackend(t *testing.T) {
	fresh := &stubSource{}
	contacted := &stubSource{lastContact: time.Now()}
	pool := &Pool{Workers: []*Worker{{ID: 1, Backend: fresh}}}
	if pool.Ready() {
		t.Fatal("pool should not be ready before any contact")
	}
	pool.Workers = append(pool.Workers, &Worker{ID: 2, Backend: contacted})
	if !pool.Ready() {
		t.Fatal("pool should be ready after a worker reached the backend")
	}
}
