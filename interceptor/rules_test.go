package interceptor

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	table := DefaultRouteTable()

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		want   Class
	}{
		{"bundle", http.MethodGet, "/assets/app.3f2a.js", nil, ClassStatic},
		{"icon by suffix", http.MethodGet, "/favicon.ico", nil, ClassStatic},
		{"suffix needs GET", http.MethodPost, "/upload.png", nil, ClassPassthrough},
		{"api list", http.MethodGet, "/api/products", nil, ClassAPIRead},
		{"api head", http.MethodHead, "/api/products", nil, ClassAPIRead},
		{"api create", http.MethodPost, "/api/sales", nil, ClassAPIWrite},
		{"api update", http.MethodPatch, "/api/products/7", nil, ClassAPIWrite},
		{"api delete", http.MethodDelete, "/api/customers/3", nil, ClassAPIWrite},
		{"sync control", http.MethodGet, "/_sync/stats", nil, ClassPassthrough},
		{"navigation by accept", http.MethodGet, "/sales", map[string]string{"Accept": "text/html,application/xhtml+xml"}, ClassNavigation},
		{"navigation by fetch mode", http.MethodGet, "/reports", map[string]string{"Sec-Fetch-Mode": "navigate"}, ClassNavigation},
		{"plain get", http.MethodGet, "/healthz", nil, ClassPassthrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://shop.test"+tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, table.Classify(req))
		})
	}
}

func TestParseRouteTable(t *testing.T) {
	t.Run("json with defaults", func(t *testing.T) {
		table, err := ParseRouteTable([]byte(`{
			"version": "v2",
			"api_prefix": "/v1",
			"rules": [{"class": "api", "prefix": "/v1/"}]
		}`), "json")
		require.NoError(t, err)
		assert.Equal(t, "/v1/", table.APIPrefix)

		req := httptest.NewRequest(http.MethodPut, "http://shop.test/v1/products/1", nil)
		assert.Equal(t, ClassAPIWrite, table.Classify(req))
	})

	t.Run("unknown class", func(t *testing.T) {
		_, err := ParseRouteTable([]byte("rules:\n  - class: magic\n    prefix: /x/\n"), "yaml")
		assert.ErrorContains(t, err, "unknown class")
	})

	t.Run("empty rule", func(t *testing.T) {
		_, err := ParseRouteTable([]byte("rules:\n  - name: nothing\n    class: static\n"), "yaml")
		assert.ErrorContains(t, err, "needs a prefix")
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := ParseRouteTable([]byte("x"), "toml")
		assert.Error(t, err)
	})
}

func TestLoadRouteTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: v3
app_shell: /shell.html
precache: [/shell.html]
rules:
  - name: api
    class: api
    prefix: /api/
`), 0o644))

	table, err := LoadRouteTable(path)
	require.NoError(t, err)
	assert.Equal(t, "v3", table.Version)
	assert.Equal(t, "/shell.html", table.AppShell)
	assert.Equal(t, []string{"/shell.html"}, table.Precache)

	_, err = LoadRouteTable(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
