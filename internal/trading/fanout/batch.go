// Package fanout runs one operation across every account and aggregates the outcome
package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultFlushThreshold is the size at which report text is cut into a new block
const DefaultFlushThreshold = 3500

// Result is the outcome of one account's task
type Result struct {
	Account string
	Op      string
	Note    string
	Err     error
	At      time.Time
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Line renders the result as one report line
func (r Result) Line() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v", r.Account, r.Op, r.Err)
	}
	if r.Note == "" {
		return fmt.Sprintf("%s: %s ok", r.Account, r.Op)
	}
	return fmt.Sprintf("%s: %s", r.Account, r.Note)
}

// Batch collects the results of one fan-out. Appends are thread safe and the
// expected result count is fixed at creation, so Wait never polls.
type Batch struct {
	ID string
	Op string

	mu      sync.Mutex
	results []Result

	wg       sync.WaitGroup
	done     chan struct{}
	once     sync.Once
	expected int
}

// NewBatch creates a batch expecting n results
func NewBatch(op string, n int) *Batch {
	b := &Batch{
		ID:       uuid.NewString(),
		Op:       op,
		done:     make(chan struct{}),
		expected: n,
	}
	b.wg.Add(n)
	go func() {
		b.wg.Wait()
		b.once.Do(func() { close(b.done) })
	}()
	return b
}

// Record appends one result and marks that account's task finished.
// Each account must be recorded exactly once.
func (b *Batch) Record(r Result) {
	if r.Op == "" {
		r.Op = b.Op
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b.mu.Lock()
	b.results = append(b.results, r)
	b.mu.Unlock()
	b.wg.Done()
}

// Done is closed once every expected result is recorded
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every result is recorded, ctx ends or timeout elapses.
// It reports whether the batch completed.
func (b *Batch) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Expected returns the number of results the batch waits for
func (b *Batch) Expected() int {
	return b.expected
}

// Results returns a snapshot of recorded results in arrival order
func (b *Batch) Results() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Result, len(b.results))
	copy(out, b.results)
	return out
}

// Failures returns the recorded results that carry an error
func (b *Batch) Failures() []Result {
	var out []Result
	for _, r := range b.Results() {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// Report renders results as text blocks. A block is cut as soon as it grows
// past threshold. With failuresOnly set, successful rows are left out.
func (b *Batch) Report(threshold int, failuresOnly bool) []string {
	rows := b.Results()
	if failuresOnly {
		rows = b.Failures()
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, r.Line())
	}
	return Blocks(lines, threshold)
}

// Blocks joins lines into newline separated blocks, starting a new block once
// the current one exceeds threshold characters.
func Blocks(lines []string, threshold int) []string {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	var (
		blocks []string
		cur    strings.Builder
	)
	for _, l := range lines {
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(l)
		if cur.Len() > threshold {
			blocks = append(blocks, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		blocks = append(blocks, cur.String())
	}
	return blocks
}
