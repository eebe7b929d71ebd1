package storage

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestJanitorRunsJobs(t *testing.T) {
	j := NewJanitor(zaptest.NewLogger(t))

	var runs int64
	require.NoError(t, j.AddJob("@every 100ms", "counter", func() {
		atomic.AddInt64(&runs, 1)
	}))

	j.Start()
	defer j.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&runs) >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestJanitorRejectsBadSpec(t *testing.T) {
	j := NewJanitor(zaptest.NewLogger(t))
	assert.Error(t, j.AddJob("not a cron spec", "broken", func() {}))
}

func TestJanitorRecoversFromPanic(t *testing.T) {
	j := NewJanitor(zaptest.NewLogger(t))

	var after int64
	require.NoError(t, j.AddJob("@every 50ms", "panics", func() {
		if atomic.AddInt64(&after, 1) == 1 {
			panic("maintenance gone wrong")
		}
	}))

	j.Start()
	defer j.Stop()

	// The panic in the first run must not stop subsequent runs.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&after) >= 2
	}, 3*time.Second, 20*time.Millisecond)
}
