package capture

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBuffer_UnderLimit(t *testing.T) {
	b := NewBuffer(16)
	n, err := b.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", b.String())
	assert.False(t, b.Truncated())
}

func TestBuffer_TruncatesAtLimit(t *testing.T) {
	b := NewBuffer(4)
	n, err := b.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.Equal(t, 11, n, "writes report full length so the producer never blocks")
	assert.Equal(t, "hell", b.String())
	assert.True(t, b.Truncated())
	assert.Equal(t, int64(11), b.Total())

	_, _ = b.Write([]byte("more"))
	assert.Equal(t, "hell", b.String())
	assert.Equal(t, int64(15), b.Total())
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	b := NewBuffer(1 << 10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = b.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, len(b.String()))
}

func TestProperty_Buffer_NeverExceedsLimit(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 256).Draw(rt, "limit")
		chunks := rapid.SliceOf(rapid.StringN(0, 64, -1)).Draw(rt, "chunks")

		b := NewBuffer(limit)
		var all strings.Builder
		for _, c := range chunks {
			_, _ = b.Write([]byte(c))
			all.WriteString(c)
		}

		got := b.String()
		if len(got) > limit {
			rt.Fatalf("captured %d bytes, limit %d", len(got), limit)
		}
		if !strings.HasPrefix(all.String(), got) {
			rt.Fatalf("captured bytes are not a prefix of the written stream")
		}
		if b.Truncated() != (all.Len() > limit) {
			rt.Fatalf("truncated=%v with %d bytes written and limit %d", b.Truncated(), all.Len(), limit)
		}
	})
}
