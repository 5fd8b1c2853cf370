package permission

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrApprovalNotFound = errors.New("approval request not found")
	ErrApprovalTimeout  = errors.New("approval request timed out")
)

// Response is a human decision on a prompted request.
type Response struct {
	Approved bool
	// Always asks the engine to allow-list the target for future requests.
	Always bool
}

// Prompter asks someone outside the process to decide a request. Prompt
// blocks until a decision, a timeout or ctx cancellation.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// PendingApproval describes a request waiting for a human decision.
type PendingApproval struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"created_at"`
}

type pendingEntry struct {
	info PendingApproval
	ch   chan Response
}

// ApprovalQueue is a Prompter that parks requests until Respond is called.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	timeout time.Duration
	notify  func(PendingApproval)
}

// NewApprovalQueue creates a queue. Requests without a response after
// timeout are denied; notify, when set, is called for every new request.
func NewApprovalQueue(timeout time.Duration, notify func(PendingApproval)) *ApprovalQueue {
	return &ApprovalQueue{
		pending: make(map[string]*pendingEntry),
		timeout: timeout,
		notify:  notify,
	}
}

// Prompt registers req and waits for Respond.
func (q *ApprovalQueue) Prompt(ctx context.Context, req Request) (Response, error) {
	entry := &pendingEntry{
		info: PendingApproval{ID: "apr_" + ulid.Make().String(), Request: req, CreatedAt: time.Now()},
		// Buffered so Respond never blocks.
		ch: make(chan Response, 1),
	}

	q.mu.Lock()
	q.pending[entry.info.ID] = entry
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.pending, entry.info.ID)
		q.mu.Unlock()
	}()

	if q.notify != nil {
		q.notify(entry.info)
	}

	var timeout <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-entry.ch:
		return resp, nil
	case <-timeout:
		return Response{}, ErrApprovalTimeout
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Respond resolves a pending request.
func (q *ApprovalQueue) Respond(id string, approved, always bool) error {
	q.mu.Lock()
	entry, ok := q.pending[id]
	q.mu.Unlock()
	if !ok {
		return ErrApprovalNotFound
	}
	select {
	case entry.ch <- Response{Approved: approved, Always: always}:
		return nil
	default:
		return errors.New("approval request already answered")
	}
}

// Pending lists waiting requests, oldest first.
func (q *ApprovalQueue) Pending() []PendingApproval {
	q.mu.Lock()
	out := make([]PendingApproval, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.info)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
