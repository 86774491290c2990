package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// BodyLimit caps request payload size. Oversized bodies are rejected with
// 413 before any handler sees them; accepted bodies are fully buffered so
// downstream decoders get a rewindable reader with an accurate length.
type BodyLimit struct {
	Max int64
}

// Middleware returns the enforcing wrapper. A non-positive Max disables the
// check.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}

		// Trust the declared length first to avoid reading at all.
		if r.ContentLength != -1 && r.ContentLength > b.Max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, b.Max+1))
		if err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > b.Max {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}
		_ = r.Body.Close()

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r)
	})
}
