package gate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireRelease(t *testing.T) {
	g := New()
	assert.Equal(t, "", g.ActiveSessionID())

	assert.True(t, g.Acquire("/work/a", "s1"))
	assert.Equal(t, "s1", g.ActiveSessionID())

	// Held gate rejects everything, including the same workspace.
	assert.False(t, g.Acquire("/work/b", "s2"))
	assert.False(t, g.Acquire("/work/a", "s3"))

	assert.True(t, g.Release("/work/a", "s1"))
	assert.Equal(t, "", g.ActiveSessionID())
	assert.True(t, g.Acquire("/work/b", "s2"))
}

func TestStaleReleaseIsNoOp(t *testing.T) {
	g := New()
	assert.True(t, g.Acquire("/work/a", "s1"))

	assert.False(t, g.Release("/work/a", "other"))
	assert.False(t, g.Release("/other", "s1"))
	assert.Equal(t, "s1", g.ActiveSessionID())

	assert.True(t, g.Release("/work/a", "s1"))
	assert.False(t, g.Release("/work/a", "s1"), "double release")
}

func TestAcquireIsExclusiveUnderContention(t *testing.T) {
	g := New()

	var wg sync.WaitGroup
	wins := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if g.Acquire("/work/a", string(rune('a'+n%26))) {
				wins <- g.ActiveSessionID()
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var count int
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one goroutine may win the slot")
}
