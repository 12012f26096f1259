package swproxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	r := newRouter([]string{"/api/"}, DefaultStaticExtensions)

	tests := []struct {
		method string
		path   string
		want   Policy
	}{
		{http.MethodPost, "/api/contact", PassThrough},
		{http.MethodPut, "/app.js", PassThrough},
		{http.MethodHead, "/", PassThrough},
		{http.MethodGet, "/api/projects", NetworkFirst},
		{http.MethodGet, "/v2/api/projects", NetworkFirst},
		{"get", "/api/x", NetworkFirst},
		{http.MethodGet, "/app.js", CacheFirst},
		{http.MethodGet, "/about", CacheFirst},
		{http.MethodGet, "/apiary.png", CacheFirst},
		{"", "/", CacheFirst},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Classify(request(tt.method, tt.path)))
		})
	}
}

func TestStaticAsset(t *testing.T) {
	r := newRouter(nil, []string{".JS", "css", " png "})
	assert.True(t, r.StaticAsset(mustParse(t, "https://site.test/app.js")))
	assert.True(t, r.StaticAsset(mustParse(t, "https://site.test/a/b.PNG?x=1")))
	assert.True(t, r.StaticAsset(mustParse(t, "https://site.test/site.css")))
	assert.False(t, r.StaticAsset(mustParse(t, "https://site.test/")))
	assert.False(t, r.StaticAsset(mustParse(t, "https://site.test/index.html")))
	assert.False(t, r.StaticAsset(mustParse(t, "https://site.test/data.json")))
	assert.False(t, r.StaticAsset(nil))
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "pass-through", PassThrough.String())
	assert.Equal(t, "network-first", NetworkFirst.String())
	assert.Equal(t, "cache-first", CacheFirst.String())
}
