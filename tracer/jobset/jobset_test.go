package jobset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestJobSet covers the running set and the WORK/STOP status.
func TestJobSet(t *testing.T) {
	s := New()
	assert.Equal(t, WORK, s.Status())

	assert.True(t, s.Add("b"))
	assert.True(t, s.Add("a"))
	assert.False(t, s.Add("a"))
	assert.Equal(t, []string{"a", "b"}, s.Running())

	s.Del("a")
	assert.True(t, s.Add("a"))

	s.Stop()
	assert.Equal(t, STOP, s.Status())
	assert.False(t, s.Add("c"))

	s.Start()
	assert.True(t, s.Add("c"))
}

func TestJobSetConcurrent(t *testing.T) {
	s := New()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if s.Add("job") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
}
