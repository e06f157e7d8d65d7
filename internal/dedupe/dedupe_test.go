package dedupe

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntern_EqualPayloadsShareHandle(t *testing.T) {
	s := NewStore("code")

	a := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	b := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	ha := s.Intern(a)
	hb := s.Intern(b)

	assert.Same(t, ha, hb)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, a, Bytes(ha))
}

func TestIntern_DistinctPayloadsKeepDistinctHandles(t *testing.T) {
	s := NewStore("code")

	ha := s.Intern([]byte{1, 2, 3})
	hb := s.Intern([]byte{1, 2, 4})

	require.NotSame(t, ha, hb)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []byte{1, 2, 3}, Bytes(ha))
	assert.Equal(t, []byte{1, 2, 4}, Bytes(hb))
}

func TestIntern_CopiesInput(t *testing.T) {
	s := NewStore("code")

	payload := []byte{9, 9, 9, 9}
	h := s.Intern(payload)
	payload[0] = 0

	assert.Equal(t, []byte{9, 9, 9, 9}, Bytes(h))
}

func TestIntern_EmptyPayload(t *testing.T) {
	s := NewStore("gc map")

	ha := s.Intern(nil)
	hb := s.Intern([]byte{})

	assert.Same(t, ha, hb)
	assert.Empty(t, Bytes(ha))
}

// Payloads above the sampling threshold hash only a sample of their bytes,
// so two long payloads differing outside the sampled offsets can collide.
// Equality must still be decided on full content.
func TestIntern_LongPayloadsFullEquality(t *testing.T) {
	s := NewStore("code")

	base := make([]byte, 4096)
	rng := rand.New(rand.NewSource(7))
	rng.Read(base)

	seen := make(map[*[]byte]bool)
	for i := 0; i < 64; i++ {
		variant := append([]byte(nil), base...)
		variant[100+i] ^= 0xFF
		h := s.Intern(variant)
		require.False(t, seen[h], "two different payloads shared a handle")
		seen[h] = true
		require.True(t, bytes.Equal(variant, Bytes(h)))
	}
	assert.Equal(t, 64, s.Len())
}

func TestIntern_Concurrent(t *testing.T) {
	s := NewStore("mapping table")

	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	handles := make([][]Handle, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			handles[w] = make([]Handle, perWorker)
			for i := 0; i < perWorker; i++ {
				// All workers intern the same sequence of payloads.
				payload := []byte{byte(i), byte(i >> 4), 0xAB, byte(i * 3)}
				handles[w][i] = s.Intern(payload)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, perWorker, s.Len())
	for w := 1; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			assert.Same(t, handles[0][i], handles[w][i])
		}
	}
}
