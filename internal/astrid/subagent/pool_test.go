package subagent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unicity-astrid/astrid/internal/astrid/subagent"
)

func TestPool_SpawnCompletes(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 2, MaxDepth: 3})
	h, err := p.Spawn(nil, "do a thing", func(ctx context.Context) (interface{}, error) {
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !p.WaitForCompletion(2 * time.Second) {
		t.Fatal("timed out waiting for completion")
	}
	if got := h.Status(); got != subagent.StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %v", got)
	}
	result, err := h.Result()
	if err != nil {
		t.Fatalf("unexpected Result error: %v", err)
	}
	if result != "done" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestPool_SpawnFailureIsRecorded(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 1, MaxDepth: 1})
	wantErr := errors.New("boom")
	h, err := p.Spawn(nil, "fails", func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)
	if got := h.Status(); got != subagent.StatusFailed {
		t.Fatalf("expected StatusFailed, got %v", got)
	}
	_, runErr := h.Result()
	if !errors.Is(runErr, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, runErr)
	}
}

func TestPool_DepthExceeded(t *testing.T) {
	// max_depth=2 means only depths 0 and 1 may spawn: root (depth 0) and
	// child (depth 1) succeed, but a grandchild (depth 2) must error.
	p := subagent.New(subagent.Limits{MaxConcurrent: 4, MaxDepth: 2})
	root, err := p.Spawn(nil, "root", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Spawn root: %v", err)
	}
	child, err := p.Spawn(root, "child", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Spawn child: %v", err)
	}
	if _, err := p.Spawn(child, "grandchild", noop); !errors.Is(err, subagent.ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
	p.CancelAll()
	p.WaitForCompletion(2 * time.Second)
}

func TestPool_ConcurrencyExhausted(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 1, MaxDepth: 1})
	release := make(chan struct{})
	_, err := p.Spawn(nil, "blocking", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if _, err := p.Spawn(nil, "second", noop); !errors.Is(err, subagent.ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}

	close(release)
	p.WaitForCompletion(2 * time.Second)
}

func TestPool_CancelSubtreeOnlyAffectsDescendants(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 8, MaxDepth: 3})

	blockUntilCancelled := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	root, err := p.Spawn(nil, "root", blockUntilCancelled)
	if err != nil {
		t.Fatalf("Spawn root: %v", err)
	}
	child, err := p.Spawn(root, "child", blockUntilCancelled)
	if err != nil {
		t.Fatalf("Spawn child: %v", err)
	}
	sibling, err := p.Spawn(nil, "sibling", blockUntilCancelled)
	if err != nil {
		t.Fatalf("Spawn sibling: %v", err)
	}

	n := p.CancelSubtree(root.ID)
	if n != 2 {
		t.Fatalf("expected 2 handles cancelled (root+child), got %d", n)
	}

	p.WaitForCompletion(2 * time.Second)

	if got := root.Status(); got != subagent.StatusCancelled {
		t.Errorf("expected root cancelled, got %v", got)
	}
	if got := child.Status(); got != subagent.StatusCancelled {
		t.Errorf("expected child cancelled, got %v", got)
	}
	if got := sibling.Status(); got == subagent.StatusCancelled {
		t.Error("expected sibling to remain unaffected by CancelSubtree")
	}

	p.Stop(sibling.ID)
	p.WaitForCompletion(2 * time.Second)
}

func TestPool_GetChildrenAndSubtree(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 8, MaxDepth: 3})
	root, err := p.Spawn(nil, "root", noop)
	if err != nil {
		t.Fatalf("Spawn root: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)

	child, err := p.Spawn(root, "child", noop)
	if err != nil {
		t.Fatalf("Spawn child: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)

	if _, err := p.Spawn(child, "grandchild", noop); err != nil {
		t.Fatalf("Spawn grandchild: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)

	children := p.GetChildren(root.ID)
	if len(children) != 1 || children[0] != child.ID {
		t.Fatalf("unexpected children: %+v", children)
	}

	subtree := p.GetSubtree(root.ID)
	if len(subtree) != 2 {
		t.Fatalf("expected 2 descendants, got %+v", subtree)
	}
}

func TestPool_StatsAndGet(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 3, MaxDepth: 1})
	h, err := p.Spawn(nil, "task", noop)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)

	stats := p.Stats()
	if stats.ActiveCount != 0 {
		t.Errorf("expected ActiveCount 0, got %d", stats.ActiveCount)
	}
	if stats.HistoryCount != 1 {
		t.Errorf("expected HistoryCount 1, got %d", stats.HistoryCount)
	}
	if stats.AvailablePermits != 3 {
		t.Errorf("expected 3 available permits, got %d", stats.AvailablePermits)
	}

	if got := p.Get(h.ID); got == nil || got.ID != h.ID {
		t.Fatalf("expected Get to find the historical handle, got %+v", got)
	}
}

func TestPool_CanSpawnChild(t *testing.T) {
	p := subagent.New(subagent.Limits{MaxConcurrent: 1, MaxDepth: 1})
	if !p.CanSpawnChild(nil) {
		t.Error("expected a depth-0 spawn to be allowed under MaxDepth 1")
	}
	root, err := p.Spawn(nil, "root", noop)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	p.WaitForCompletion(2 * time.Second)
	if p.CanSpawnChild(root) {
		t.Error("expected a depth-1 spawn to exceed MaxDepth 1")
	}
}

func noop(ctx context.Context) (interface{}, error) {
	return nil, nil
}
