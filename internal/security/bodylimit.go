package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/lensa-payments/internal/common"
)

// BodyLimit caps webhook payloads. The body is buffered so handlers can read
// it more than once, for example to verify a signature and then decode it.
type BodyLimit struct {
	Max int64
}

// Middleware answers 413 once more than Max bytes are declared or read.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "request entity too large")
			return
		}

		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				common.JSONError(w, http.StatusRequestEntityTooLarge, "request entity too large")
				return
			}
			common.JSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}
