package permission

import "sync"

// Ledger is the append-only record of permission decisions, ordered by
// evaluation completion.
type Ledger struct {
	mu      sync.Mutex
	entries []Grant
}

// Append records g.
func (l *Ledger) Append(g Grant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, g)
}

// Latest returns the most recent grant for the correlation id and type.
func (l *Ledger) Latest(correlationID string, t Type) (Grant, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		g := l.entries[i]
		if g.CorrelationID == correlationID && g.Request.Type == t {
			return g, true
		}
	}
	return Grant{}, false
}

// Snapshot returns a copy of every grant in insertion order.
func (l *Ledger) Snapshot() []Grant {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Grant, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops every grant and returns how many were removed.
func (l *Ledger) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.entries)
	l.entries = nil
	return n
}

// Len returns the number of recorded grants.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
