package swproxy

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	for _, n := range []int{100, 10, 400, -5} {
		s.Observe(n)
	}
	got := s.Snapshot()
	assert.Equal(t, uint64(4), got.Responses)
	assert.Equal(t, uint64(510), got.Bytes)
	assert.Equal(t, uint64(0), got.Min)
	assert.Equal(t, uint64(400), got.Max)
	assert.Equal(t, uint64(127), got.Avg)
}

func TestLogStats(t *testing.T) {
	log, hook := test.NewNullLogger()
	origin := newFakeOrigin()
	p, err := New(testConfig(), newMemoryStore(0), origin, WithLogger(log))
	require.NoError(t, err)
	defer p.Close()

	p.logStats()
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "cache stats", entry.Message)
	assert.Equal(t, "portfolio-v1", entry.Data["generation"])
	assert.Equal(t, "uninstalled", entry.Data["state"])
	assert.Contains(t, entry.Data, "stored")
}

func TestRateLimitedLogger(t *testing.T) {
	log, hook := test.NewNullLogger()
	rl := newRateLimitedLogger(log, time.Hour)

	rl.Warn(errors.New("first"), logrus.Fields{"key": "a"}, "write failed")
	rl.Warn(errors.New("second"), nil, "write failed")
	rl.Warn(nil, nil, "write failed")

	require.Len(t, hook.AllEntries(), 1)
	e := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "a", e.Data["key"])

	rl.lastAt = time.Now().Add(-2 * time.Hour)
	rl.Warn(nil, nil, "write failed")
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, 2, hook.LastEntry().Data["suppressed"])
}
