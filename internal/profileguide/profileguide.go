// Package profileguide selects hot methods from a pprof profile so the
// driver can restrict native compilation to code that actually runs.
package profileguide

import (
	"os"
	"sort"

	"github.com/google/pprof/profile"

	"github.com/dex-aot/pkg/errors"
)

// Set is the collection of methods a profile marked as hot. A nil Set
// means no profile was supplied and every method is eligible.
type Set struct {
	methods map[string]int64
	total   int64
}

// Load parses a pprof profile from disk and keeps every method that has
// at least one sample attributed to it.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeProfileError, "failed to open profile", err)
	}
	defer f.Close()

	prof, err := profile.Parse(f)
	if err != nil {
		return nil, errors.Wrap(errors.CodeProfileError, "failed to parse profile", err)
	}
	if err := prof.CheckValid(); err != nil {
		return nil, errors.Wrap(errors.CodeProfileError, "invalid profile", err)
	}

	s := &Set{methods: make(map[string]int64)}
	for _, sample := range prof.Sample {
		if len(sample.Value) == 0 {
			continue
		}
		weight := sample.Value[len(sample.Value)-1]
		if weight <= 0 {
			continue
		}
		for _, loc := range sample.Location {
			for _, line := range loc.Line {
				if line.Function == nil || line.Function.Name == "" {
					continue
				}
				s.methods[line.Function.Name] += weight
				s.total += weight
			}
		}
	}
	return s, nil
}

// Key builds the profile lookup name for a method, matching the naming
// the runtime's sampler records.
func Key(classDescriptor, methodName string) string {
	return classDescriptor + "->" + methodName
}

// Contains reports whether the named method appeared in the profile. A
// nil Set accepts everything.
func (s *Set) Contains(key string) bool {
	if s == nil {
		return true
	}
	_, ok := s.methods[key]
	return ok
}

// Len returns the number of distinct hot methods.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.methods)
}

// Hottest returns up to n method names ordered by sample weight, hottest
// first. Ties break on name for determinism.
func (s *Set) Hottest(n int) []string {
	if s == nil || n <= 0 {
		return nil
	}
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		wi, wj := s.methods[names[i]], s.methods[names[j]]
		if wi != wj {
			return wi > wj
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}
