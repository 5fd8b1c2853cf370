// Package exec collects command output from a persistent shell: bounded
// head/tail capture and end-marker framing.
package exec

import "fmt"

// DefaultMaxOutputBytes caps the output retained for one command so a
// runaway command cannot exhaust memory.
const DefaultMaxOutputBytes = 1024 * 1024

// Collector retains at most limit bytes of output: the first half and the
// most recent half. Bytes in between are counted but dropped.
type Collector struct {
	limit   int
	head    []byte
	tail    []byte
	total   int
	tailCap int
}

// NewCollector creates a collector. limit <= 0 means DefaultMaxOutputBytes.
func NewCollector(limit int) *Collector {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &Collector{limit: limit, tailCap: limit - limit/2}
}

// Write implements io.Writer. It never fails.
func (c *Collector) Write(p []byte) (int, error) {
	n := len(p)
	c.total += n

	if room := c.limit/2 - len(c.head); room > 0 {
		take := min(room, len(p))
		c.head = append(c.head, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return n, nil
	}

	c.tail = append(c.tail, p...)
	// Compact lazily so long streams stay linear.
	if len(c.tail) > 2*c.tailCap {
		c.tail = append(c.tail[:0:0], c.tail[len(c.tail)-c.tailCap:]...)
	}
	return n, nil
}

// Len returns the total number of bytes written.
func (c *Collector) Len() int {
	return c.total
}

// Truncated reports whether bytes were dropped.
func (c *Collector) Truncated() bool {
	return c.total > c.limit
}

// String returns the retained output with a marker where bytes were dropped.
func (c *Collector) String() string {
	tail := c.tail
	if len(tail) > c.tailCap {
		tail = tail[len(tail)-c.tailCap:]
	}
	if !c.Truncated() {
		return string(c.head) + string(tail)
	}
	omitted := c.total - len(c.head) - len(tail)
	return string(c.head) + fmt.Sprintf("\n... [%d bytes truncated] ...\n", omitted) + string(tail)
}
