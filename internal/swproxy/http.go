package swproxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	headerOutcome = "X-Swproxy"
	maxBodyBytes  = 32 << 20
)

var errForeignOrigin = errors.New("swproxy: origin not allowed")

// ServeHTTP runs a request through Handle. Requests in absolute form must
// name the scope origin or one of cache.crossOrigins; others are resolved
// against the scope origin.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := p.requestFromHTTP(w, r)
	if err != nil {
		setOutcomeHeader(w.Header(), "bad-request")
		if errors.Is(err, errForeignOrigin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	snap, outcome, err := p.handle(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			setOutcomeHeader(w.Header(), "unavailable")
			http.Error(w, "offline and not cached", http.StatusGatewayTimeout)
			return
		}
		if r.Context().Err() != nil {
			// client went away; nobody reads the response
			return
		}
		p.log.WithError(err).WithFields(logrus.Fields{"method": req.Method, "url": req.URL.String()}).Warn("request failed")
		setOutcomeHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeSnapshot(w, snap, outcome)
}

func (p *Proxy) requestFromHTTP(w http.ResponseWriter, r *http.Request) (Request, error) {
	var u *url.URL
	if r.URL.IsAbs() {
		if !p.allowedOrigin(r.URL) {
			return Request{}, fmt.Errorf("%w: %s", errForeignOrigin, originOf(r.URL))
		}
		c := *r.URL
		u = &c
	} else {
		u = p.scope.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			return Request{}, err
		}
		body = b
	}

	dest := parseDestination(r.Header.Get("Sec-Fetch-Dest"))
	if dest == "" {
		dest = inferDestination(u.Path)
	}
	return Request{
		Method:      r.Method,
		URL:         u,
		Destination: dest,
		Header:      cloneHeader(r.Header),
		Body:        body,
	}, nil
}

func (p *Proxy) allowedOrigin(u *url.URL) bool {
	o := originOf(u)
	if o == originOf(p.scope) {
		return true
	}
	_, ok := p.cfg.Cache.crossOrigins[o]
	return ok
}

func writeSnapshot(w http.ResponseWriter, snap Snapshot, outcome string) {
	for k, vs := range snap.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), outcome)
	status := snap.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(snap.Body)
}

func setOutcomeHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerOutcome, outcome)
	}
	ensureExposedHeader(h, headerOutcome)
}

// ensureExposedHeader makes name readable from cross-origin scripts.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
