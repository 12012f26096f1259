package swproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher performs network requests. An error means the network attempt
// itself failed; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Snapshot, error) { return f(ctx, req) }

// Hop-by-hop headers. These are removed when sent to the origin and from
// captured responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches over HTTP and tags responses relative to the scope origin.
type HTTPFetcher struct {
	client *http.Client
	scope  *url.URL
}

func NewHTTPFetcher(client *http.Client, scope *url.URL) *HTTPFetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPFetcher{client: client, scope: scope}
}

// NewHTTPClient returns a client with dial, TLS and header timeouts. A zero
// timeout leaves the overall request unbounded.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (Snapshot, error) {
	if req.URL == nil {
		return Snapshot{}, fmt.Errorf("fetch: nil URL")
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return Snapshot{}, err
	}
	copyHeaders(out.Header, req.Header)
	removeHopHeaders(out.Header)
	// Captured bodies are stored decoded so any client can be served.
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(out)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read body: %w", err)
	}

	h := cloneHeader(resp.Header)
	removeHopHeaders(h)
	h.Del("Content-Length")

	return Snapshot{
		Status:   resp.StatusCode,
		Header:   h,
		Body:     b,
		Type:     f.responseType(req.URL, resp.Header),
		StoredAt: time.Now().Unix(),
		Hash:     hashBody(b),
	}, nil
}

func (f *HTTPFetcher) responseType(u *url.URL, h http.Header) ResponseType {
	if sameOrigin(f.scope, u) {
		return TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// removeHopHeaders drops hop-by-hop headers, including any listed in Connection.
func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
