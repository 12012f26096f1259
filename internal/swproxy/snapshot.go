package swproxy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ResponseType mirrors the fetch response type of the captured response.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Destination is the kind of resource the client is loading.
type Destination string

const (
	DestDocument Destination = "document"
	DestImage    Destination = "image"
	DestScript   Destination = "script"
	DestStyle    Destination = "style"
	DestFont     Destination = "font"
	DestManifest Destination = "manifest"
	DestEmpty    Destination = "empty"
)

// Request describes an intercepted resource request.
type Request struct {
	Method      string
	URL         *url.URL
	Destination Destination
	Header      http.Header
	Body        []byte
}

// Snapshot is an owned copy of a response. Values are never mutated after
// creation; use Clone to hand an independent copy to another owner.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	StoredAt int64 // unix seconds
	Hash     uint64

	// Pinned entries were seeded by install and are exempt from eviction.
	Pinned bool
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = cloneHeader(s.Header)
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	return out
}

func (s Snapshot) OK() bool { return s.Status == http.StatusOK }

func (s Snapshot) size() int64 {
	n := int64(len(s.Body))
	for k, vs := range s.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

func hashBody(b []byte) uint64 { return xxhash.Sum64(b) }

// Key returns the cache key of a request: method and normalized URL.
func Key(req Request) string {
	m := strings.ToUpper(req.Method)
	if m == "" {
		m = http.MethodGet
	}
	return m + " " + normalizeURL(req.URL)
}

func normalizeURL(u *url.URL) string {
	if u == nil {
		return "/"
	}
	n := *u
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	if n.Path == "" {
		n.Path = "/"
		n.RawPath = ""
	}
	return n.String()
}

func inferDestination(p string) Destination {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	switch ext {
	case "", "html", "htm":
		return DestDocument
	case "js", "mjs":
		return DestScript
	case "css":
		return DestStyle
	case "png", "jpg", "jpeg", "gif", "svg", "webp", "avif", "ico", "bmp":
		return DestImage
	case "woff", "woff2", "ttf", "otf", "eot":
		return DestFont
	case "webmanifest":
		return DestManifest
	}
	if strings.HasSuffix(strings.ToLower(p), "manifest.json") {
		return DestManifest
	}
	return DestEmpty
}

func parseDestination(v string) Destination {
	switch d := Destination(strings.ToLower(strings.TrimSpace(v))); d {
	case DestDocument, DestImage, DestScript, DestStyle, DestFont, DestManifest, DestEmpty:
		return d
	case "iframe", "frame":
		return DestDocument
	default:
		return ""
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
