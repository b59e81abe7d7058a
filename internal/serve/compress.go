package serve

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

const compressMinBytes = 256

// brotliLevel trades ratio for CPU on dynamic responses.
const brotliLevel = 4

// acceptsEncoding reports whether the request accepts the given encoding,
// respecting q=0 as an explicit refusal.
func acceptsEncoding(r *http.Request, encoding string) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(name) != encoding {
			continue
		}
		if _, qval, ok := strings.Cut(params, "q="); ok {
			if q, err := strconv.ParseFloat(strings.TrimSpace(qval), 64); err == nil && q == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// negotiate picks br over gzip. Empty means identity.
func negotiate(r *http.Request) string {
	switch {
	case acceptsEncoding(r, "br"):
		return "br"
	case acceptsEncoding(r, "gzip"):
		return "gzip"
	}
	return ""
}

func isCompressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/javascript", "application/json", "application/xml",
		"application/manifest+json", "application/wasm", "image/svg+xml":
		return true
	}
	return false
}

func addVary(h http.Header) {
	for _, v := range h.Values("Vary") {
		if strings.Contains(v, "Accept-Encoding") {
			return
		}
	}
	h.Add("Vary", "Accept-Encoding")
}

// Compress encodes compressible 200 responses with brotli or gzip when the
// client accepts it. Used for the stats API, where dashboard and export
// payloads run large.
func Compress(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := negotiate(r)
		if encoding == "" {
			h.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: encoding}
		defer cw.Close() //nolint:errcheck // best-effort flush on response end
		h.ServeHTTP(cw, r)
	})
}

// compressWriter defers the header write until the first body write so it
// can inspect Content-Type and Content-Length.
type compressWriter struct {
	http.ResponseWriter
	enc           io.WriteCloser
	encoding      string
	headerWritten bool
	statusCode    int
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.headerWritten {
		return
	}
	cw.statusCode = code
	if code != http.StatusOK {
		cw.headerWritten = true
		cw.ResponseWriter.WriteHeader(code)
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.headerWritten {
		cw.headerWritten = true
		if cw.statusCode == 0 {
			cw.statusCode = http.StatusOK
		}
		if h := cw.Header(); isCompressible(h.Get("Content-Type")) && h.Get("Content-Encoding") == "" {
			addVary(h)
			cl, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
			if err != nil || cl >= compressMinBytes {
				if cw.encoding == "br" {
					cw.enc = brotli.NewWriterLevel(cw.ResponseWriter, brotliLevel)
				} else {
					cw.enc = gzip.NewWriter(cw.ResponseWriter)
				}
				h.Del("Content-Length")
				h.Set("Content-Encoding", cw.encoding)
			}
		}
		cw.ResponseWriter.WriteHeader(cw.statusCode)
	}
	if cw.enc != nil {
		return cw.enc.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

// Close flushes the encoder and writes a pending header for empty bodies.
func (cw *compressWriter) Close() error {
	if !cw.headerWritten {
		cw.headerWritten = true
		if cw.statusCode == 0 {
			cw.statusCode = http.StatusOK
		}
		cw.ResponseWriter.WriteHeader(cw.statusCode)
	}
	if cw.enc != nil {
		return cw.enc.Close()
	}
	return nil
}

func (cw *compressWriter) Flush() {
	type flusher interface{ Flush() error }
	if f, ok := cw.enc.(flusher); ok {
		f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
