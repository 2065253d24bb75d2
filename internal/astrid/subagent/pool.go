// Package subagent implements the depth-bounded, concurrency-bounded
// cooperative task scheduler (C11): every spawned child holds a semaphore
// permit for the duration of its run, has a depth computed from its
// parent, and can be cancelled individually or as a whole subtree without
// affecting sibling branches.
//
// The supervision shape — a map of live handles guarded by a Mutex (paired
// with a sync.Cond for WaitForCompletion) and bulk status scans — is grounded on
// internal/ruriko/runtime/reconciler.go's Reconcile loop, generalized from
// periodic container-state polling to in-process cooperative cancellation.
package subagent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unicity-astrid/astrid/internal/astrid/errs"
)

// Status is a sub-agent's lifecycle state (spec §3 SubAgentHandle).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimedOut     Status = "timed_out"
)

// IsTerminal reports whether s is a sticky terminal status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Handle is the pool's record of one spawned sub-agent.
type Handle struct {
	ID              string
	ParentID        string // empty for unparented (depth-0) spawns
	TaskDescription string
	Depth           int

	mu          sync.Mutex
	status      Status
	startedAt   time.Time
	completedAt *time.Time
	result      interface{}
	runErr      error

	cancel context.CancelFunc
}

// Status returns the handle's current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the handle's result and error, valid once Status is
// terminal.
func (h *Handle) Result() (interface{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.runErr
}

// CompletedAt returns the completion timestamp, or nil if still running.
func (h *Handle) CompletedAt() *time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completedAt
}

func (h *Handle) transition(to Status) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false // terminal statuses are sticky
	}
	h.status = to
	if to.IsTerminal() {
		now := time.Now().UTC()
		h.completedAt = &now
	}
	return true
}

func (h *Handle) finish(to Status, result interface{}, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.IsTerminal() {
		return false
	}
	h.status = to
	h.result = result
	h.runErr = err
	now := time.Now().UTC()
	h.completedAt = &now
	return true
}

// Task is the unit of work a caller hands to Spawn. ctx is cancelled when
// the sub-agent or any ancestor's subtree is cancelled.
type Task func(ctx context.Context) (interface{}, error)

// Limits bounds the pool's scheduling behavior.
type Limits struct {
	MaxConcurrent int
	MaxDepth      int
	MaxHistory    int // FIFO-evicted bound on completed-handle retention; default 1000
}

const defaultMaxHistory = 1000

// ErrDepthExceeded is returned by Spawn when parent.Depth+1 would reach
// MaxDepth. MaxDepth counts the number of permitted levels, not the
// deepest allowed Depth value: MaxDepth=2 permits depths 0 and 1 only.
var ErrDepthExceeded = errs.New(errs.KindConcurrency, "sub-agent depth exceeded")

// ErrConcurrencyExhausted is returned by Spawn when no permit is available.
var ErrConcurrencyExhausted = errs.New(errs.KindConcurrency, "no sub-agent concurrency permits available")

// Pool schedules sub-agent tasks under a fixed depth and concurrency
// bound, tracking parent/child relationships as an immutable tree (set at
// spawn time, per spec §9 "cycle avoidance").
type Pool struct {
	limits Limits
	sem    chan struct{} // buffered channel used as a counting semaphore

	// mu guards active/children/history and doubles as emptyCond's locker,
	// so the "active set is empty" predicate is always checked and waited
	// on under the same lock — the standard sync.Cond discipline, needed
	// here because WaitForCompletion's predicate (ActiveCount == 0) would
	// otherwise race against releasePermit's Broadcast.
	mu       sync.Mutex
	active   map[string]*Handle
	children map[string][]string // parent id -> child ids, active and historical
	history  []*Handle           // FIFO-evicted terminal handles, most recent last

	cancelAllToken context.Context
	cancelAllFunc  context.CancelFunc

	emptyCond *sync.Cond
}

// New creates a Pool under limits. A zero MaxHistory means the default of
// 1000.
func New(limits Limits) *Pool {
	if limits.MaxHistory <= 0 {
		limits.MaxHistory = defaultMaxHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		limits:         limits,
		sem:            make(chan struct{}, limits.MaxConcurrent),
		active:         make(map[string]*Handle),
		children:       make(map[string][]string),
		cancelAllToken: ctx,
		cancelAllFunc:  cancel,
	}
	p.emptyCond = sync.NewCond(&p.mu)
	return p
}

// CanSpawnChild reports whether a child of parent could be spawned without
// exceeding MaxDepth, without actually reserving a permit.
func (p *Pool) CanSpawnChild(parent *Handle) bool {
	depth := 0
	if parent != nil {
		depth = parent.Depth + 1
	}
	return depth < p.limits.MaxDepth
}

// Spawn starts task as a new sub-agent, optionally parented under parent.
// It never blocks: if no permit is available or the resulting depth would
// reach MaxDepth, it fails immediately rather than queuing.
func (p *Pool) Spawn(parent *Handle, taskDescription string, task Task) (*Handle, error) {
	depth := 0
	parentID := ""
	if parent != nil {
		depth = parent.Depth + 1
		parentID = parent.ID
	}
	if depth >= p.limits.MaxDepth {
		return nil, ErrDepthExceeded
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return nil, ErrConcurrencyExhausted
	}

	ctx, cancel := context.WithCancel(p.cancelAllToken)
	h := &Handle{
		ID:              uuid.NewString(),
		ParentID:        parentID,
		TaskDescription: taskDescription,
		Depth:           depth,
		status:          StatusInitializing,
		startedAt:       time.Now().UTC(),
		cancel:          cancel,
	}

	p.mu.Lock()
	p.active[h.ID] = h
	if parentID != "" {
		p.children[parentID] = append(p.children[parentID], h.ID)
	}
	p.mu.Unlock()

	h.transition(StatusRunning)

	go func() {
		defer p.releasePermit(h.ID)
		result, err := task(ctx)
		switch {
		case ctx.Err() == context.Canceled:
			h.finish(StatusCancelled, nil, ctx.Err())
		case ctx.Err() == context.DeadlineExceeded:
			h.finish(StatusTimedOut, nil, ctx.Err())
		case err != nil:
			h.finish(StatusFailed, nil, err)
		default:
			h.finish(StatusCompleted, result, nil)
		}
	}()

	return h, nil
}

// releasePermit moves a handle out of the active set into history and
// returns its semaphore permit exactly once, whether the task finished on
// its own or was stopped by Release/Stop/cancellation.
func (p *Pool) releasePermit(id string) {
	p.mu.Lock()
	h, ok := p.active[id]
	if ok {
		delete(p.active, id)
		<-p.sem
		p.history = append(p.history, h)
		if len(p.history) > p.limits.MaxHistory {
			p.history = p.history[len(p.history)-p.limits.MaxHistory:]
		}
	}
	empty := len(p.active) == 0
	p.mu.Unlock()

	if empty {
		p.emptyCond.L.Lock()
		p.emptyCond.Broadcast()
		p.emptyCond.L.Unlock()
	}
}

// Release removes a still-active handle from the active set without
// cancelling it (used when a caller has already awaited its result through
// other means, e.g. synchronous completion).
func (p *Pool) Release(id string) {
	p.mu.Lock()
	h, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	h.finish(StatusCompleted, nil, nil)
	p.releasePermit(id)
}

// Stop cancels a specific active sub-agent, transitioning it to Cancelled,
// and returns its handle (nil if it was not active).
func (p *Pool) Stop(id string) *Handle {
	p.mu.Lock()
	h, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancel()
	return h
}

// CancelAll cancels every active sub-agent pool-wide (spec §4.11: a
// pool-wide cooperative cancellation token distributed to every executor).
func (p *Pool) CancelAll() {
	p.cancelAllFunc()
	// Replace the token so subsequent spawns aren't born pre-cancelled.
	p.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelAllToken = ctx
	p.cancelAllFunc = cancel
	for _, h := range p.active {
		h.transition(StatusCancelled)
	}
	p.mu.Unlock()
}

// CancelSubtree cancels root and every descendant of root (BFS), leaving
// other branches untouched, and returns the number of handles cancelled.
func (p *Pool) CancelSubtree(rootID string) int {
	p.mu.Lock()
	queue := []string{rootID}
	var toCancel []*Handle
	seen := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if h, ok := p.active[id]; ok {
			toCancel = append(toCancel, h)
		}
		queue = append(queue, p.children[id]...)
	}
	p.mu.Unlock()

	for _, h := range toCancel {
		h.cancel()
	}
	return len(toCancel)
}

// GetChildren returns the direct children (active or historical) of
// parentID.
func (p *Pool) GetChildren(parentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.children[parentID]))
	copy(out, p.children[parentID])
	return out
}

// GetSubtree returns every descendant ID of rootID (BFS order, excluding
// rootID itself).
func (p *Pool) GetSubtree(rootID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	queue := append([]string{}, p.children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		queue = append(queue, p.children[id]...)
	}
	return out
}

// Get returns the handle for id, whether active or in history.
func (p *Pool) Get(id string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.active[id]; ok {
		return h
	}
	for _, h := range p.history {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// Stats summarizes the pool's current occupancy.
type Stats struct {
	ActiveCount      int
	AvailablePermits int
	HistoryCount     int
}

// Stats returns a snapshot of the pool's occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveCount:      len(p.active),
		AvailablePermits: p.limits.MaxConcurrent - len(p.sem),
		HistoryCount:     len(p.history),
	}
}

// ActiveCount reports how many sub-agents are currently active.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// AvailablePermits reports how many concurrency permits are free.
func (p *Pool) AvailablePermits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits.MaxConcurrent - len(p.sem)
}

// WaitForCompletion blocks until the active set is empty, or until timeout
// elapses if timeout > 0. It returns true iff the active set drained
// before any deadline.
func (p *Pool) WaitForCompletion(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.emptyCond.L.Lock()
		for len(p.active) > 0 {
			p.emptyCond.Wait()
		}
		p.emptyCond.L.Unlock()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
