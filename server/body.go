package server

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// errDecompressedTooLarge is returned once a gzip body inflates past the
// decompressed limit.
var errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")

var errUnsupportedMedia = errors.New("unsupported media type")

type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}
	if remaining := r.limit - r.consumed; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		var probe [1]byte
		if _, peekErr := r.reader.Read(probe[:]); peekErr == nil {
			return n, errDecompressedTooLarge
		}
	}
	return n, err
}

// decodeBody reads a JSON object from r, honouring the compressed and
// decompressed size limits and an optional gzip Content-Encoding.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("%w: %s", errUnsupportedMedia, ct)
	}
	if r.ContentLength > s.opts.MaxRequestSize {
		return nil, &http.MaxBytesError{Limit: s.opts.MaxRequestSize}
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestSize)
	switch enc := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		body = &maxDecompressedReader{reader: body, limit: s.opts.MaxDecompressedSize}
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip data: %w", err)
		}
		defer gz.Close()
		body = &maxDecompressedReader{reader: gz, limit: s.opts.MaxDecompressedSize}
	default:
		return nil, fmt.Errorf("%w: content encoding %s", errUnsupportedMedia, enc)
	}

	var payload map[string]any
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty request body")
		}
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return payload, nil
}

// bodyStatus maps a decodeBody error to its HTTP status.
func bodyStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusBadRequest
	}
}
