// Package statistics accumulates per-run compilation counters.
//
// Workers keep a private CompilationStats each and merge it into the
// run-wide aggregate at phase joins, so no counter update contends on
// a shared lock inside the hot loop.
package statistics

import (
	"fmt"
	"sort"
	"strings"
)

// CompilationStats counts class and method level outcomes of a run.
// A single instance is not safe for concurrent use; give each worker
// its own and combine them with Merge.
type CompilationStats struct {
	ClassesResolved    int64
	ClassesFailed      int64
	ClassesVerified    int64
	ClassesVerifyError int64
	ClassesInitialized int64

	MethodsCompiled int64
	MethodsNoCode   int64
	MethodsDexToDex int64
	MethodsSkipped  int64

	DevirtualizedCalls  int64
	DirectCallsToBoot   int64
	RelativeCalls       int64
	VirtualDispatches   int64
	SafeCasts           int64
	CheckedCasts        int64
	ConstructorBarriers int64
	TypesInCache        int64
	TypesNotInCache     int64
}

// Merge adds the counters from other into s.
func (s *CompilationStats) Merge(other *CompilationStats) {
	if other == nil {
		return
	}
	s.ClassesResolved += other.ClassesResolved
	s.ClassesFailed += other.ClassesFailed
	s.ClassesVerified += other.ClassesVerified
	s.ClassesVerifyError += other.ClassesVerifyError
	s.ClassesInitialized += other.ClassesInitialized
	s.MethodsCompiled += other.MethodsCompiled
	s.MethodsNoCode += other.MethodsNoCode
	s.MethodsDexToDex += other.MethodsDexToDex
	s.MethodsSkipped += other.MethodsSkipped
	s.DevirtualizedCalls += other.DevirtualizedCalls
	s.DirectCallsToBoot += other.DirectCallsToBoot
	s.RelativeCalls += other.RelativeCalls
	s.VirtualDispatches += other.VirtualDispatches
	s.SafeCasts += other.SafeCasts
	s.CheckedCasts += other.CheckedCasts
	s.ConstructorBarriers += other.ConstructorBarriers
	s.TypesInCache += other.TypesInCache
	s.TypesNotInCache += other.TypesNotInCache
}

// Snapshot returns the counters as an ordered name/value list, for
// logging and for the image manifest.
func (s *CompilationStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"classes_resolved":     s.ClassesResolved,
		"classes_failed":       s.ClassesFailed,
		"classes_verified":     s.ClassesVerified,
		"classes_verify_error": s.ClassesVerifyError,
		"classes_initialized":  s.ClassesInitialized,
		"methods_compiled":     s.MethodsCompiled,
		"methods_no_code":      s.MethodsNoCode,
		"methods_dex_to_dex":   s.MethodsDexToDex,
		"methods_skipped":      s.MethodsSkipped,
		"devirtualized_calls":  s.DevirtualizedCalls,
		"direct_calls_boot":    s.DirectCallsToBoot,
		"relative_calls":       s.RelativeCalls,
		"virtual_dispatches":   s.VirtualDispatches,
		"safe_casts":           s.SafeCasts,
		"checked_casts":        s.CheckedCasts,
		"constructor_barriers": s.ConstructorBarriers,
		"types_in_cache":       s.TypesInCache,
		"types_not_in_cache":   s.TypesNotInCache,
	}
}

// Summary renders a sorted human readable dump of all counters.
func (s *CompilationStats) Summary() string {
	snap := s.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("Compilation statistics:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-22s %d\n", k, snap[k])
	}
	return b.String()
}
