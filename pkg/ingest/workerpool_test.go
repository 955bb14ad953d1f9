package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/japaniel/docdedup/pkg/hasher"
)

func TestWorkerPoolHashesConcurrently(t *testing.T) {
	p := NewWorkerPool(4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	h := hasher.New(hasher.Options{})
	const docs = 100
	hashes := make([]string, docs)
	for i := 0; i < docs; i++ {
		i := i
		err := p.Submit(func(ctx context.Context) error {
			hashes[i] = h.Analyze(nil, fmt.Sprintf("document number %d", i)).ContentHash
			return nil
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	// Close drains queued jobs before returning.
	p.Close()

	seen := make(map[string]bool, docs)
	for i, hash := range hashes {
		if hash == "" {
			t.Fatalf("job %d never ran", i)
		}
		seen[hash] = true
	}
	if len(seen) != docs {
		t.Fatalf("expected %d distinct hashes, got %d", docs, len(seen))
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Close()
	cancel()
	if err := p.Submit(func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error submitting to closed pool")
	}
}

func TestSubmitRecoversFromCloseRace(t *testing.T) {
	// No workers are started, so one queued job fills the pool.
	p := NewWorkerPool(1, 1)
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		err := p.Submit(func(ctx context.Context) error { return nil })
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)

	// The blocked Submit must observe the close.
	p.Close()

	err := <-done
	if err == nil {
		t.Fatalf("expected error submitting to closed pool, got nil")
	}
	if err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestContextCancellationStopsWorkers(t *testing.T) {
	p := NewWorkerPool(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	done := make(chan struct{}, 1)
	go func() {
		p.Close()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("Close blocked after context cancellation")
	}
}

func TestSubmitCtxReturnsOnCancel(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()
	// no workers: the queue stays full after one job
	if err := p.Submit(func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("setup submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitCtx(ctx, func(ctx context.Context) error { return nil })
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
