// Package filter provides descriptor filtering for the image-class set:
// the classes guaranteed present in a base image, for which compiled code
// may skip certain runtime checks.
package filter

import (
	"bufio"
	"io"
	"sort"
	"strings"
	"sync"
)

// ClassFilter decides whether a class descriptor belongs to the image-class
// set. A nil or empty filter matches everything, which models "include all
// reachable classes". It is safe for concurrent use: reads dominate during
// code generation, writes happen while recomputing the image-class closure.
type ClassFilter struct {
	mu sync.RWMutex

	matchAll bool
	exact    map[string]bool
	prefixes []string
}

// NewMatchAll creates a filter that accepts every descriptor.
func NewMatchAll() *ClassFilter {
	return &ClassFilter{matchAll: true, exact: make(map[string]bool)}
}

// NewClassFilter creates a filter over an explicit descriptor set.
// Entries ending in "*" match as prefixes.
func NewClassFilter(descriptors []string) *ClassFilter {
	f := &ClassFilter{exact: make(map[string]bool)}
	for _, d := range descriptors {
		f.add(d)
	}
	return f
}

// ReadFrom creates a filter from newline-separated descriptors. Blank lines
// and lines starting with '#' are skipped.
func ReadFrom(r io.Reader) (*ClassFilter, error) {
	f := &ClassFilter{exact: make(map[string]bool)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *ClassFilter) add(descriptor string) {
	if strings.HasSuffix(descriptor, "*") {
		f.prefixes = append(f.prefixes, strings.TrimSuffix(descriptor, "*"))
		return
	}
	f.exact[descriptor] = true
}

// Matches reports whether the descriptor is an image class.
func (f *ClassFilter) Matches(descriptor string) bool {
	if f == nil {
		return true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.matchAll {
		return true
	}
	if f.exact[descriptor] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(descriptor, p) {
			return true
		}
	}
	return false
}

// Add inserts a descriptor into the set. Used when the image-class closure
// grows after class initialization.
func (f *ClassFilter) Add(descriptor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchAll {
		return
	}
	f.exact[descriptor] = true
}

// Descriptors returns the explicit (non-prefix) entries in sorted order.
func (f *ClassFilter) Descriptors() []string {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.exact))
	for d := range f.exact {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// MatchAll reports whether the filter accepts everything.
func (f *ClassFilter) MatchAll() bool {
	if f == nil {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.matchAll
}

// Size returns the number of explicit entries.
func (f *ClassFilter) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.exact) + len(f.prefixes)
}
