package swproxy

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type metrics struct {
	requests           *prometheus.CounterVec
	writebackFailures  prometheus.Counter
	generationsDeleted prometheus.Counter
	bootstrapFailures  prometheus.Counter
}

// newMetrics registers the proxy collectors on reg. A nil reg builds
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swproxy_requests_total",
			Help: "Intercepted requests by policy and outcome.",
		}, []string{"policy", "outcome"}),
		writebackFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_writeback_failures_total",
			Help: "Cache writes that failed or were dropped on the response path.",
		}),
		generationsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_generations_deleted_total",
			Help: "Stale cache generations deleted on activation.",
		}),
		bootstrapFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "swproxy_bootstrap_failures_total",
			Help: "Install attempts that failed to seed the bootstrap set.",
		}),
	}
}

// statsCollector tracks response sizes served from cache or captured.
type statsCollector struct {
	total atomic.Uint64
	bytes atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.total.Add(1)
	s.bytes.Add(v)
	for cur := s.min.Load(); v < cur && !s.min.CompareAndSwap(cur, v); cur = s.min.Load() {
	}
	for cur := s.max.Load(); v > cur && !s.max.CompareAndSwap(cur, v); cur = s.max.Load() {
	}
}

type statsSnapshot struct {
	Responses uint64
	Bytes     uint64
	Min       uint64
	Max       uint64
	Avg       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.total.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.bytes.Load()
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Bytes:     total,
		Min:       minv,
		Max:       s.max.Load(),
		Avg:       total / count,
	}
}

type sizer interface {
	TotalSize() int64
}

func (p *Proxy) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.logStats()
		}
	}
}

func (p *Proxy) logStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fields := logrus.Fields{"generation": p.cfg.Cache.Generation, "state": p.State().String()}
	if keys, err := p.store.Keys(ctx, p.cfg.Cache.Generation); err == nil {
		fields["entries"] = len(keys)
	}
	if sz, ok := p.store.(sizer); ok {
		fields["stored"] = formatBytes(uint64(sz.TotalSize()))
	}
	ss := p.stats.Snapshot()
	fields["responses"] = ss.Responses
	fields["resp_min"] = formatBytes(ss.Min)
	fields["resp_avg"] = formatBytes(ss.Avg)
	fields["resp_max"] = formatBytes(ss.Max)
	if rss, ok := residentBytes(); ok {
		fields["rss"] = formatBytes(rss)
	}
	p.log.WithFields(fields).Info("cache stats")
}
