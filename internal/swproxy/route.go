package swproxy

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Policy is the caching strategy applied to a request.
type Policy int

const (
	PassThrough Policy = iota
	NetworkFirst
	CacheFirst
)

func (p Policy) String() string {
	switch p {
	case NetworkFirst:
		return "network-first"
	case CacheFirst:
		return "cache-first"
	default:
		return "pass-through"
	}
}

// DefaultStaticExtensions is the write-back allow-list for cache-first requests.
var DefaultStaticExtensions = []string{
	"js", "mjs", "css",
	"png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "ico",
	"woff", "woff2", "ttf", "otf", "eot",
}

type router struct {
	apiMarkers []string
	staticExt  map[string]struct{}
}

func newRouter(apiMarkers, exts []string) *router {
	r := &router{staticExt: make(map[string]struct{}, len(exts))}
	for _, m := range apiMarkers {
		if m = strings.TrimSpace(m); m != "" {
			r.apiMarkers = append(r.apiMarkers, m)
		}
	}
	for _, e := range exts {
		e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
		if e != "" {
			r.staticExt[e] = struct{}{}
		}
	}
	return r
}

// Classify maps every request to exactly one policy.
func (r *router) Classify(req Request) Policy {
	if !strings.EqualFold(req.Method, http.MethodGet) && req.Method != "" {
		return PassThrough
	}
	p := "/"
	if req.URL != nil {
		p = req.URL.Path
	}
	for _, m := range r.apiMarkers {
		if strings.Contains(p, m) {
			return NetworkFirst
		}
	}
	return CacheFirst
}

// StaticAsset reports whether a successful response for u may be captured.
func (r *router) StaticAsset(u *url.URL) bool {
	if u == nil {
		return false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return false
	}
	_, ok := r.staticExt[ext]
	return ok
}
