package swproxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestPrecacheFromSitemaps(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/sitemap.xml", 200, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://site.test/pages.xml.gz</loc></sitemap>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
</sitemapindex>`)
	origin.set("/pages.xml.gz", 200, gzipped(t, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://site.test/about</loc></url>
  <url><loc>https://site.test/img/hero.webp</loc></url>
  <url><loc>https://site.test/api/feed</loc></url>
  <url><loc>https://site.test/data.json</loc></url>
  <url><loc>https://elsewhere.test/page</loc></url>
  <url><loc>https://site.test/gone</loc></url>
  <url><loc>https://site.test/about#team</loc></url>
</urlset>`))
	origin.set("/about", 200, "<html>about</html>")
	origin.set("/img/hero.webp", 200, "RIFF")

	p := newTestProxy(t, origin, nil, func(c *Config) {
		c.Cache.Sitemaps = []string{"/sitemap.xml"}
	})

	urls, err := p.discoverURLs(context.Background())
	require.NoError(t, err)
	var got []string
	for _, u := range urls {
		got = append(got, u.Path)
	}
	assert.ElementsMatch(t, []string{"/about", "/img/hero.webp", "/gone"}, got)
	assert.Equal(t, 1, origin.count("/sitemap.xml"))

	require.NoError(t, p.Install(context.Background()))

	snap, ok := stored(t, p, "/about")
	require.True(t, ok)
	assert.False(t, snap.Pinned)
	_, ok = stored(t, p, "/img/hero.webp")
	assert.True(t, ok)
	_, ok = stored(t, p, "/gone")
	assert.False(t, ok)
	_, ok = stored(t, p, "/api/feed")
	assert.False(t, ok)
}

func TestPrecacheFailureDoesNotFailInstall(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/sitemap.xml", http.StatusInternalServerError, "boom")

	p := newTestProxy(t, origin, nil, func(c *Config) {
		c.Cache.Sitemaps = []string{"/sitemap.xml", "/broken.xml"}
	})
	require.NoError(t, p.Install(context.Background()))
	assert.Equal(t, StateInstalled, p.State())

	keys, err := p.store.Keys(context.Background(), p.Generation())
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestFetchSitemapRejectsGarbage(t *testing.T) {
	origin := newFakeOrigin()
	origin.set("/sitemap.xml", 200, "<urlset><url><loc>")
	p := newTestProxy(t, origin, nil)

	_, err := p.fetchSitemap(context.Background(), p.resolve("/sitemap.xml"))
	require.Error(t, err)
}
