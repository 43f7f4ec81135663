// Package compress negotiates HTTP content encoding for registry JSON
// documents and decodes compressed request bodies. Blob and tarball
// downloads are left alone: they are already compressed and must keep
// their Content-Length and Range semantics.
package compress

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a request Content-Encoding that
// cannot be decoded.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// preferred lists supported encodings, best first. Ties in q-value go to
// the earlier entry.
var preferred = []string{"zstd", "gzip", "deflate"}

// Negotiate picks an encoding from an Accept-Encoding header, or "" for
// identity.
func Negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	quality := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		if name == "*" {
			wildcard = q
			continue
		}
		quality[name] = q
	}

	best, bestQ := "", 0.0
	for _, enc := range preferred {
		q, ok := quality[enc]
		if !ok {
			if wildcard < 0 {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = enc, q
		}
	}
	return best
}

func newEncoder(w io.Writer, encoding string) (io.WriteCloser, error) {
	switch encoding {
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	case "gzip":
		return gzip.NewWriter(w), nil
	case "deflate":
		return flate.NewWriter(w, flate.DefaultCompression)
	}
	return nil, fmt.Errorf("%q: %w", encoding, ErrUnsupportedEncoding)
}

// compressible reports whether a response of this content type is worth
// encoding.
func compressible(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" ||
		strings.HasSuffix(mediaType, "+json") ||
		strings.HasPrefix(mediaType, "text/")
}

// responseWriter decides at WriteHeader time whether to encode the body,
// based on the headers the handler has set.
type responseWriter struct {
	http.ResponseWriter
	encoding string
	enc      io.WriteCloser
	decided  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.decided {
		return
	}
	w.decided = true

	h := w.Header()
	if code != http.StatusNoContent && code != http.StatusNotModified &&
		h.Get("Content-Encoding") == "" && h.Get("Content-Range") == "" &&
		compressible(h.Get("Content-Type")) {
		if enc, err := newEncoder(w.ResponseWriter, w.encoding); err == nil {
			h.Set("Content-Encoding", w.encoding)
			h.Del("Content-Length")
			w.enc = enc
		}
	}
	h.Add("Vary", "Accept-Encoding")
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.decided {
		w.WriteHeader(http.StatusOK)
	}
	if w.enc != nil {
		return w.enc.Write(p)
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	if f, ok := w.enc.(interface{ Flush() error }); ok {
		f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseWriter) close() error {
	if w.enc == nil {
		return nil
	}
	return w.enc.Close()
}

// Middleware decodes compressed request bodies and encodes JSON and text
// responses when the client accepts it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := DecodeRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}

		encoding := Negotiate(r.Header.Get("Accept-Encoding"))
		if encoding == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		cw := &responseWriter{ResponseWriter: w, encoding: encoding}
		defer cw.close()
		next.ServeHTTP(cw, r)
	})
}

// DecodeRequest replaces a compressed request body with a decoding reader
// and clears the encoding headers.
func DecodeRequest(r *http.Request) error {
	encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" {
		return nil
	}

	var (
		body io.ReadCloser
		err  error
	)
	switch encoding {
	case "gzip":
		body, err = gzip.NewReader(r.Body)
	case "deflate":
		body = flate.NewReader(r.Body)
	case "zstd":
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(r.Body, zstd.WithDecoderConcurrency(1))
		if err == nil {
			body = dec.IOReadCloser()
		}
	default:
		return fmt.Errorf("%q: %w", encoding, ErrUnsupportedEncoding)
	}
	if err != nil {
		return fmt.Errorf("decode %s body: %w", encoding, err)
	}

	r.Body = &bodyCloser{ReadCloser: body, orig: r.Body}
	r.Header.Del("Content-Encoding")
	r.Header.Del("Content-Length")
	r.ContentLength = -1
	return nil
}

type bodyCloser struct {
	io.ReadCloser
	orig io.Closer
}

func (b *bodyCloser) Close() error {
	return errors.Join(b.ReadCloser.Close(), b.orig.Close())
}
