// Package swproxy implements an offline cache proxy: it sits between
// clients and a site origin, serves static assets cache-first, API paths
// network-first, and keeps exactly one cache generation current.
package swproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrBootstrap is returned by Install when the bootstrap set could not be seeded.
	ErrBootstrap = errors.New("swproxy: bootstrap failed")

	// ErrUnavailable is returned by Handle when the network failed and no
	// cached copy or fallback exists.
	ErrUnavailable = errors.New("swproxy: offline and not cached")

	// ErrNotInstalled is returned by Activate before a successful Install.
	ErrNotInstalled = errors.New("swproxy: not installed")

	errTransition = errors.New("swproxy: lifecycle transition in progress")
)

// State is the lifecycle state of a Proxy.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "uninstalled"
	}
}

type Option func(*Proxy)

func WithLogger(log *logrus.Logger) Option {
	return func(p *Proxy) { p.log = log }
}

// WithRegisterer registers the proxy metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Proxy) { p.reg = reg }
}

// WithBackgroundLimit bounds concurrent fire-and-forget cache writes.
func WithBackgroundLimit(n int) Option {
	return func(p *Proxy) {
		if n > 0 {
			p.bgSem = make(chan struct{}, n)
		}
	}
}

type Proxy struct {
	cfg     Config
	scope   *url.URL
	router  *router
	store   Store
	fetcher Fetcher

	log     *logrus.Logger
	warnLog *rateLimitedLogger
	reg     prometheus.Registerer
	metrics *metrics
	stats   *statsCollector

	misses singleflight.Group

	mu     sync.Mutex
	state  State
	closed bool

	bgSem  chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(cfg Config, store Store, fetcher Fetcher, opts ...Option) (*Proxy, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("swproxy: nil store")
	}
	p := &Proxy{
		cfg:     cfg,
		scope:   cfg.Server.origin,
		router:  newRouter(cfg.Cache.APIMarkers, cfg.Cache.StaticExtensions),
		store:   store,
		fetcher: fetcher,
		bgSem:   make(chan struct{}, 32),
		stopCh:  make(chan struct{}),
		stats:   newStatsCollector(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.New()
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(NewHTTPClient(cfg.Server.fetchTimeoutDur), p.scope)
	}
	p.warnLog = newRateLimitedLogger(p.log, time.Minute)
	p.metrics = newMetrics(p.reg)

	if every := cfg.Logging.statsEveryDur; every > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.statsLoop(every)
		}()
	}
	return p, nil
}

// Close waits for background cache writes and closes the store.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	return p.store.Close()
}

func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) Generation() string { return p.cfg.Cache.Generation }

// begin moves to a transitional state and returns the state to restore on failure.
func (p *Proxy) begin(to State, allowed ...State) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateInstalling || p.state == StateActivating {
		return p.state, errTransition
	}
	if len(allowed) > 0 {
		ok := false
		for _, s := range allowed {
			if p.state == s {
				ok = true
				break
			}
		}
		if !ok {
			return p.state, ErrNotInstalled
		}
	}
	prev := p.state
	p.state = to
	return prev, nil
}

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// resolve turns a scope-relative path into an absolute URL.
func (p *Proxy) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	return p.scope.ResolveReference(ref)
}

func (p *Proxy) getRequest(path string) Request {
	u := p.resolve(path)
	return Request{Method: http.MethodGet, URL: u, Destination: inferDestination(u.Path), Header: http.Header{}}
}

// Install opens the current generation and seeds it with the bootstrap set.
// Every bootstrap fetch must succeed with status 200; otherwise nothing is
// written and ErrBootstrap is returned. Sitemap-discovered URLs are then
// precached best-effort.
func (p *Proxy) Install(ctx context.Context) error {
	prev, err := p.begin(StateInstalling)
	if err != nil {
		return err
	}
	gen := p.cfg.Cache.Generation
	log := p.log.WithField("generation", gen)

	fail := func(err error) error {
		p.setState(prev)
		p.metrics.bootstrapFailures.Inc()
		log.WithError(err).Error("install failed")
		return err
	}

	if err := p.store.Open(ctx, gen); err != nil {
		return fail(fmt.Errorf("%w: open generation %s: %w", ErrBootstrap, gen, err))
	}

	reqs := p.bootstrapRequests()
	snaps := make([]Snapshot, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			snap, err := p.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %w", ErrBootstrap, req.URL, err)
			}
			if !snap.OK() {
				return fmt.Errorf("%w: fetch %s: status %d", ErrBootstrap, req.URL, snap.Status)
			}
			snap.Pinned = true
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	for i, req := range reqs {
		if err := p.store.Put(ctx, gen, Key(req), snaps[i]); err != nil {
			return fail(fmt.Errorf("%w: store %s: %w", ErrBootstrap, req.URL, err))
		}
	}

	precached := p.precacheDiscovered(ctx)

	if prev == StateActive {
		p.setState(StateActive)
	} else {
		p.setState(StateInstalled)
	}
	log.WithFields(logrus.Fields{"bootstrap": len(reqs), "precached": precached}).Info("installed")
	return nil
}

func (p *Proxy) bootstrapRequests() []Request {
	seen := map[string]struct{}{}
	out := make([]Request, 0, len(p.cfg.Cache.Bootstrap))
	for _, path := range p.cfg.Cache.Bootstrap {
		req := p.getRequest(path)
		k := Key(req)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, req)
	}
	return out
}

// Activate deletes every generation other than the current one and starts
// serving requests through the cache policies.
func (p *Proxy) Activate(ctx context.Context) error {
	prev, err := p.begin(StateActivating, StateInstalled, StateActive)
	if err != nil {
		return err
	}
	gen := p.cfg.Cache.Generation

	names, err := p.store.Generations(ctx)
	if err != nil {
		p.setState(prev)
		return fmt.Errorf("list generations: %w", err)
	}
	for _, name := range names {
		if name == gen {
			continue
		}
		if err := p.store.DeleteGeneration(ctx, name); err != nil {
			p.setState(prev)
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
		p.metrics.generationsDeleted.Inc()
		p.log.WithField("generation", name).Info("deleted stale generation")
	}

	p.setState(StateActive)
	p.log.WithField("generation", gen).Info("activated")
	return nil
}

// Handle produces the response for one intercepted request.
func (p *Proxy) Handle(ctx context.Context, req Request) (Snapshot, error) {
	snap, _, err := p.handle(ctx, req)
	return snap, err
}

// handle also returns a short "<policy>-<outcome>" label.
func (p *Proxy) handle(ctx context.Context, req Request) (Snapshot, string, error) {
	if req.URL == nil {
		return Snapshot{}, "invalid", fmt.Errorf("swproxy: request without URL")
	}
	if req.Destination == "" {
		req.Destination = inferDestination(req.URL.Path)
	}

	active := p.State() == StateActive
	policy := PassThrough
	if active {
		policy = p.router.Classify(req)
	}

	var (
		snap    Snapshot
		outcome string
		err     error
	)
	switch {
	case !active:
		snap, err = p.fetcher.Fetch(ctx, req)
		outcome = "uncontrolled"
	case policy == NetworkFirst:
		snap, outcome, err = p.networkFirst(ctx, req)
	case policy == CacheFirst:
		snap, outcome, err = p.cacheFirst(ctx, req)
	default:
		snap, err = p.fetcher.Fetch(ctx, req)
		outcome = "network"
	}
	if err != nil && outcome == "" {
		outcome = "error"
	}
	p.metrics.requests.WithLabelValues(policy.String(), outcome).Inc()
	return snap, policy.String() + "-" + outcome, err
}

func (p *Proxy) networkFirst(ctx context.Context, req Request) (Snapshot, string, error) {
	gen := p.cfg.Cache.Generation
	key := Key(req)

	snap, err := p.fetcher.Fetch(ctx, req)
	if err == nil {
		if snap.OK() {
			p.writeBackAsync(key, snap.Clone())
		}
		return snap, "network", nil
	}

	cached, ok, cerr := p.store.Match(ctx, gen, key)
	if cerr != nil {
		p.warnLog.Warn(cerr, logrus.Fields{"key": key}, "cache lookup failed")
	}
	if ok {
		p.stats.Observe(len(cached.Body))
		return cached, "fallback", nil
	}
	return Snapshot{}, "unavailable", fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
}

func (p *Proxy) cacheFirst(ctx context.Context, req Request) (Snapshot, string, error) {
	gen := p.cfg.Cache.Generation
	key := Key(req)

	cached, ok, err := p.store.Match(ctx, gen, key)
	if err != nil {
		p.warnLog.Warn(err, logrus.Fields{"key": key}, "cache lookup failed")
	}
	if ok {
		p.stats.Observe(len(cached.Body))
		return cached, "hit", nil
	}

	// The shared fetch must outlive any single waiter: one client going away
	// must not fail the others.
	ch := p.misses.DoChan(key, func() (any, error) {
		fctx, cancel := p.detached(ctx)
		defer cancel()
		snap, err := p.fetcher.Fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if p.capturable(req, snap) {
			if perr := p.store.Put(fctx, gen, key, snap.Clone()); perr != nil {
				p.metrics.writebackFailures.Inc()
				p.warnLog.Warn(perr, logrus.Fields{"key": key}, "cache write failed")
			} else {
				p.stats.Observe(len(snap.Body))
			}
		}
		return snap, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Snapshot{}, "cancelled", ctx.Err()
	}
	err = res.Err
	if err == nil {
		snap := res.Val.(Snapshot)
		if res.Shared {
			snap = snap.Clone()
		}
		return snap, "miss", nil
	}

	if req.Destination == DestDocument && p.cfg.Cache.OfflineDocument != "" {
		doc, ok, derr := p.store.Match(ctx, gen, Key(p.getRequest(p.cfg.Cache.OfflineDocument)))
		if derr != nil {
			p.warnLog.Warn(derr, logrus.Fields{"key": key}, "offline document lookup failed")
		}
		if ok {
			return doc, "offline", nil
		}
	}
	return Snapshot{}, "unavailable", fmt.Errorf("%w: %s: %w", ErrUnavailable, key, err)
}

// detached returns a context that keeps ctx's values but not its
// cancellation, bounded by the fetch timeout.
func (p *Proxy) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if d := p.cfg.Server.fetchTimeoutDur; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// capturable reports whether a cache-first network response may be stored:
// status 200, same-origin and an allow-listed static extension.
func (p *Proxy) capturable(req Request, snap Snapshot) bool {
	return snap.OK() && snap.Type == TypeBasic && p.router.StaticAsset(req.URL)
}

// writeBackAsync stores snap without blocking the caller. Writes are dropped
// when too many are in flight or the proxy is closing.
func (p *Proxy) writeBackAsync(key string, snap Snapshot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	select {
	case p.bgSem <- struct{}{}:
	default:
		p.mu.Unlock()
		p.metrics.writebackFailures.Inc()
		p.warnLog.Warn(nil, logrus.Fields{"key": key}, "background cache write dropped: too many in flight")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	gen := p.cfg.Cache.Generation
	go func() {
		defer p.wg.Done()
		defer func() { <-p.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if cur, ok, err := p.store.Match(ctx, gen, key); err == nil && ok && sameContent(cur, snap) {
			return
		}
		if err := p.store.Put(ctx, gen, key, snap); err != nil {
			p.metrics.writebackFailures.Inc()
			p.warnLog.Warn(err, logrus.Fields{"key": key}, "background cache write failed")
		}
	}()
}

func sameContent(a, b Snapshot) bool {
	if a.Status != b.Status || len(a.Body) != len(b.Body) {
		return false
	}
	ha, hb := a.Hash, b.Hash
	if ha == 0 {
		ha = hashBody(a.Body)
	}
	if hb == 0 {
		hb = hashBody(b.Body)
	}
	return ha == hb
}
