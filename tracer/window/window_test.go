package window

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tarancss/fundflow/lib/flow"
)

func TestNext(t *testing.T) {
	cases := []struct {
		name  string
		job   flow.Job
		head  uint32
		width uint32
		want  Window
		ok    bool
	}{
		{"fresh", flow.Job{StartTick: 100}, 1000, 50, Window{100, 149}, true},
		{"cappedAtHead", flow.Job{StartTick: 100}, 120, 50, Window{100, 120}, true},
		{"resume", flow.Job{StartTick: 100, LastProcessedTick: 149, Windows: 1}, 1000, 50, Window{150, 199}, true},
		{"caughtUp", flow.Job{StartTick: 100, LastProcessedTick: 1000, Windows: 3}, 1000, 50, Window{}, false},
		{"tickZero", flow.Job{}, 0, 50, Window{0, 0}, true},
		{"tickZeroDone", flow.Job{Windows: 1}, 0, 50, Window{}, false},
		{"tickZeroResume", flow.Job{Windows: 1}, 30, 50, Window{1, 30}, true},
		{"startAfterHead", flow.Job{StartTick: 2000}, 1000, 50, Window{}, false},
		{"defaultWidth", flow.Job{StartTick: 1}, math.MaxUint32, 0, Window{1, DefaultWidth}, true},
		{"noOverflow", flow.Job{StartTick: 1, LastProcessedTick: math.MaxUint32 - 10, Windows: 1}, math.MaxUint32, 50,
			Window{math.MaxUint32 - 9, math.MaxUint32}, true},
		{"endOfTicks", flow.Job{StartTick: 1, LastProcessedTick: math.MaxUint32, Windows: 1}, math.MaxUint32, 50,
			Window{}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w, ok := Next(c.job, c.head, c.width)
			assert.Equal(t, c.ok, ok)
			assert.Equal(t, c.want, w)

			// idempotent
			w2, ok2 := Next(c.job, c.head, c.width)
			assert.Equal(t, w, w2)
			assert.Equal(t, ok, ok2)
		})
	}
}

func TestWindow(t *testing.T) {
	w := Window{Start: 10, End: 19}
	assert.Equal(t, uint32(10), w.Len())
	assert.True(t, w.Contains(10))
	assert.True(t, w.Contains(19))
	assert.False(t, w.Contains(20))
}
