package remote

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var errResponseTooLarge = errors.New("response exceeds maximum size limit")

// limitedReader fails with errResponseTooLarge instead of truncating.
type limitedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// One byte past the limit distinguishes "exactly at" from "over".
		var probe [1]byte
		if n, _ := r.reader.Read(probe[:]); n > 0 {
			return 0, errResponseTooLarge
		}
		return 0, io.EOF
	}

	if remaining := r.limit - r.consumed; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// safeResponseReader bounds the response body. A gzip body is only seen when
// the transport's automatic decompression is off; it is then decompressed
// here under MaxDecompressedBytes.
func safeResponseReader(resp *http.Response, limits Limits) (io.Reader, func(), error) {
	maxBody := limits.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultLimits().MaxBodyBytes
	}
	body := &limitedReader{reader: resp.Body, limit: maxBody}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return body, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
		}
		maxDecompressed := limits.MaxDecompressedBytes
		if maxDecompressed <= 0 {
			maxDecompressed = DefaultLimits().MaxDecompressedBytes
		}
		return &limitedReader{reader: gz, limit: maxDecompressed}, func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}
