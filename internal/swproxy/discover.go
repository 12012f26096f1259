package swproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

const maxSitemaps = 64

// discoverURLs walks the configured sitemaps (including nested indexes) and
// returns the same-origin document and static asset URLs they list.
func (p *Proxy) discoverURLs(ctx context.Context) ([]*url.URL, error) {
	queue := make([]*url.URL, 0, len(p.cfg.Cache.Sitemaps))
	for _, sm := range p.cfg.Cache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, p.resolve(sm))
		}
	}

	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	var out []*url.URL
	for len(queue) > 0 && len(seenSitemaps) < maxSitemaps {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL.String()]; ok {
			continue
		}
		seenSitemaps[smURL.String()] = struct{}{}

		doc, err := p.fetchSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, p.resolve(nested))
			}
		}

		fit := 0
		for _, loc := range doc.URLs {
			loc = strings.TrimSpace(loc)
			if loc == "" {
				continue
			}
			u := p.resolve(loc)
			u.Fragment, u.RawFragment = "", ""
			if !sameOrigin(p.scope, u) {
				continue
			}
			if inferDestination(u.Path) != DestDocument && !p.router.StaticAsset(u) {
				continue
			}
			if p.router.Classify(Request{Method: http.MethodGet, URL: u}) != CacheFirst {
				continue
			}
			if _, ok := seenURLs[u.String()]; ok {
				continue
			}
			seenURLs[u.String()] = struct{}{}
			out = append(out, u)
			fit++
		}
		p.log.WithFields(logrus.Fields{"sitemap": smURL.String(), "urls": len(doc.URLs), "fit": fit}).Debug("sitemap parsed")
	}
	return out, nil
}

func (p *Proxy) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	snap, err := p.fetcher.Fetch(ctx, Request{Method: http.MethodGet, URL: u, Destination: DestEmpty, Header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if snap.Status < 200 || snap.Status >= 300 {
		b := snap.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", snap.Status, strings.TrimSpace(string(b)))
	}

	body := snap.Body
	// .gz sitemaps may arrive compressed or already decoded by the transport.
	if strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// precacheDiscovered stores sitemap URLs into the current generation.
// Failures are logged and never fail the install.
func (p *Proxy) precacheDiscovered(ctx context.Context) int {
	if len(p.cfg.Cache.Sitemaps) == 0 {
		return 0
	}
	urls, err := p.discoverURLs(ctx)
	if err != nil {
		p.log.WithError(err).Warn("sitemap discovery incomplete")
	}
	gen := p.cfg.Cache.Generation

	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			req := Request{Method: http.MethodGet, URL: u, Destination: inferDestination(u.Path), Header: http.Header{}}
			key := Key(req)
			if _, ok, _ := p.store.Match(gctx, gen, key); ok {
				return nil
			}
			snap, err := p.fetcher.Fetch(gctx, req)
			if err != nil || !snap.OK() || snap.Type != TypeBasic {
				p.log.WithError(err).WithField("url", u.String()).Debug("precache skipped")
				return nil
			}
			if err := p.store.Put(gctx, gen, key, snap); err != nil {
				p.warnLog.Warn(err, logrus.Fields{"key": key}, "precache write failed")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(stored.Load())
}
