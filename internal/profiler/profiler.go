// Package profiler records a hierarchical timing tree for one request.
// Every data-source call is wrapped in a child profiler named
// "attributePath:dataSourceName"; the tree is attached to the response when
// profiling is requested.
package profiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profiler is one node of the timing tree. Child creation and completion
// are safe for concurrent use; sibling data-source calls run in parallel.
type Profiler struct {
	name  string
	start time.Time

	mu       sync.Mutex
	duration time.Duration
	done     bool
	children []*Profiler
}

// New starts a root profiler.
func New(name string) *Profiler {
	return &Profiler{name: name, start: time.Now()}
}

// Child starts a nested profiler under p.
func (p *Profiler) Child(name string) *Profiler {
	child := New(name)
	p.mu.Lock()
	p.children = append(p.children, child)
	p.mu.Unlock()
	return child
}

// End stops the timer. Subsequent calls are no-ops so deferred End is safe
// alongside explicit completion.
func (p *Profiler) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.duration = time.Since(p.start)
	p.done = true
}

// Name returns the node name.
func (p *Profiler) Name() string {
	return p.name
}

// Duration returns the recorded duration; for a running profiler it returns
// the elapsed time so far.
func (p *Profiler) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return time.Since(p.start)
	}
	return p.duration
}

// Raw returns the timing tree as a plain structure suitable for JSON
// encoding (the "_profile=raw" form).
func (p *Profiler) Raw() map[string]any {
	p.mu.Lock()
	children := make([]*Profiler, len(p.children))
	copy(children, p.children)
	p.mu.Unlock()

	node := map[string]any{
		"name":       p.name,
		"durationMs": float64(p.Duration().Microseconds()) / 1000,
	}
	if len(children) > 0 {
		sub := make([]map[string]any, 0, len(children))
		for _, c := range children {
			sub = append(sub, c.Raw())
		}
		node["children"] = sub
	}
	return node
}

// Report returns a human-readable summary: total duration per node name,
// aggregated over the whole tree and sorted by share ("_profile=1" form).
func (p *Profiler) Report() []string {
	totals := map[string]time.Duration{}
	p.aggregate(totals)

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return totals[names[i]] > totals[names[j]] })

	root := p.Duration()
	lines := make([]string, 0, len(names))
	for _, name := range names {
		share := 0.0
		if root > 0 {
			share = 100 * float64(totals[name]) / float64(root)
		}
		lines = append(lines, fmt.Sprintf("%s: %.1fms (%.0f%%)", name, float64(totals[name].Microseconds())/1000, share))
	}
	return lines
}

func (p *Profiler) aggregate(totals map[string]time.Duration) {
	totals[p.name] += p.Duration()
	p.mu.Lock()
	children := make([]*Profiler, len(p.children))
	copy(children, p.children)
	p.mu.Unlock()
	for _, c := range children {
		c.aggregate(totals)
	}
}

// String renders the tree indented, mainly for debug logs.
func (p *Profiler) String() string {
	var b strings.Builder
	p.render(&b, 0)
	return b.String()
}

func (p *Profiler) render(b *strings.Builder, depth int) {
	fmt.Fprintf(b, "%s%s %.1fms\n", strings.Repeat("  ", depth), p.name, float64(p.Duration().Microseconds())/1000)
	p.mu.Lock()
	children := make([]*Profiler, len(p.children))
	copy(children, p.children)
	p.mu.Unlock()
	for _, c := range children {
		c.render(b, depth+1)
	}
}
