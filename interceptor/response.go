package interceptor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dukafiti/dukasync/synckit"
)

// cacheKey identifies a stored response: the absolute URL without fragment.
func cacheKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// resolveKey is the cache key of path on req's origin.
func resolveKey(req *http.Request, path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return path
	}
	return req.URL.ResolveReference(ref).String()
}

func fromCache(req *http.Request, cached *synckit.CachedResponse, stale bool) *http.Response {
	header := cached.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(SourceHeader, SourceCache)
	if stale {
		header.Set(StaleHeader, "true")
	}
	header.Set("Content-Length", strconv.Itoa(len(cached.Body)))
	return &http.Response{
		Status:        strconv.Itoa(cached.Status) + " " + http.StatusText(cached.Status),
		StatusCode:    cached.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(cached.Body)),
		ContentLength: int64(len(cached.Body)),
		Request:       req,
	}
}

func synthetic(req *http.Request, status int, contentType string, body []byte, source string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")
	header.Set(SourceHeader, source)
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func jsonResponse(req *http.Request, status int, v any, source string) *http.Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":"internal"}`)
	}
	return synthetic(req, status, "application/json", body, source)
}

func offlineJSON(req *http.Request, status int, v any) *http.Response {
	resp := jsonResponse(req, status, v, SourceCache)
	resp.Header.Set(OfflineHeader, "true")
	return resp
}

const offlineHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body style="font-family:sans-serif;text-align:center;padding:3em">
<h1>You are offline</h1>
<p>Sales and changes you make are saved on this device and will sync when the connection returns.</p>
</body>
</html>
`

func offlinePage(req *http.Request) *http.Response {
	resp := synthetic(req, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(offlineHTML), SourceCache)
	resp.Header.Set(OfflineHeader, "true")
	return resp
}

func containsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
