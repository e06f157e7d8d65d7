package statistics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge(t *testing.T) {
	a := &CompilationStats{MethodsCompiled: 10, ClassesVerified: 3, SafeCasts: 1}
	b := &CompilationStats{MethodsCompiled: 5, ClassesVerifyError: 2, SafeCasts: 4}

	a.Merge(b)

	assert.Equal(t, int64(15), a.MethodsCompiled)
	assert.Equal(t, int64(3), a.ClassesVerified)
	assert.Equal(t, int64(2), a.ClassesVerifyError)
	assert.Equal(t, int64(5), a.SafeCasts)
	// Merge reads, never mutates, its argument.
	assert.Equal(t, int64(5), b.MethodsCompiled)
}

func TestMerge_Nil(t *testing.T) {
	a := &CompilationStats{MethodsCompiled: 1}
	a.Merge(nil)
	assert.Equal(t, int64(1), a.MethodsCompiled)
}

func TestSnapshot_CoversEveryCounter(t *testing.T) {
	s := &CompilationStats{
		ClassesResolved:     1,
		ClassesFailed:       2,
		ClassesVerified:     3,
		ClassesVerifyError:  4,
		ClassesInitialized:  5,
		MethodsCompiled:     6,
		MethodsNoCode:       7,
		MethodsDexToDex:     8,
		MethodsSkipped:      9,
		DevirtualizedCalls:  10,
		DirectCallsToBoot:   11,
		RelativeCalls:       12,
		VirtualDispatches:   13,
		SafeCasts:           14,
		CheckedCasts:        15,
		ConstructorBarriers: 16,
		TypesInCache:        17,
		TypesNotInCache:     18,
	}

	snap := s.Snapshot()
	assert.Len(t, snap, 18)
	assert.Equal(t, int64(1), snap["classes_resolved"])
	assert.Equal(t, int64(6), snap["methods_compiled"])
	assert.Equal(t, int64(18), snap["types_not_in_cache"])

	seen := make(map[int64]bool)
	for _, v := range snap {
		assert.False(t, seen[v], "two counters map to the same field")
		seen[v] = true
	}
}

func TestSummary(t *testing.T) {
	s := &CompilationStats{MethodsCompiled: 42}
	out := s.Summary()

	assert.True(t, strings.HasPrefix(out, "Compilation statistics:"))
	assert.Contains(t, out, "methods_compiled")
	assert.Contains(t, out, "42")

	// Keys are emitted sorted.
	lines := strings.Split(strings.TrimSpace(out), "\n")[1:]
	for i := 1; i < len(lines); i++ {
		assert.Less(t, strings.TrimSpace(lines[i-1]), strings.TrimSpace(lines[i]))
	}
}
