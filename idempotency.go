// Package idempotency provides a distributed idempotency coordinator and the
// HTTP middleware in front of it. Retried POST/PUT/PATCH requests carrying the
// same idempotency key execute the downstream handler at most once: the first
// request claims the key in a shared cache, later ones get the stored response
// replayed, a 409 while the original is still running, or a 409 when the key
// is reused for a different payload.
package idempotency

import (
	"bytes"
	"fmt"
	"net/http"
)

// Middleware returns an HTTP middleware that enforces idempotency using coord.
// opts override coord's configuration for the wrapped routes only, e.g. a
// per-route scope or TTL. It panics if opts produce a policy NewGuard rejects.
func Middleware(coord *Coordinator, opts ...Option) func(http.Handler) http.Handler {
	guard := MustGuard(coord, opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.Applies(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			callerKey, err := guard.ExtractKey(r.Header)
			if err != nil {
				http.Error(w, err.Error(), StatusForError(err))
				return
			}
			if callerKey == "" {
				// No idempotency key, process normally
				next.ServeHTTP(w, r)
				return
			}

			fingerprint, err := guard.Fingerprint(r)
			if err != nil {
				http.Error(w, err.Error(), StatusForError(err))
				return
			}

			ctx := r.Context()
			adm, err := guard.Begin(ctx, callerKey, fingerprint, guard.RequestTTL(r), map[string]string{
				"method": r.Method,
				"path":   r.URL.Path,
			})
			if err != nil {
				guard.logger().ErrorContext(ctx, "idempotency store unavailable", "error", err)
				http.Error(w, "Idempotency store unavailable", StatusForError(err))
				return
			}

			if adm.Blocked() {
				if adm.Outcome == OutcomeCompleted {
					writeCachedResponse(w, adm.Response)
					return
				}
				http.Error(w, adm.Message, adm.StatusCode())
				return
			}

			w.Header().Set(ReplayedHeaderName, "false")
			recorder := &responseRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				body:           &bytes.Buffer{},
			}

			serve(next, recorder, r, func(panicErr error) {
				guard.Finish(ctx, adm.Key, recorder.statusCode, recorder.body.Bytes(), recorder.contentType(), panicErr)
			})
		})
	}
}

// serve runs next and always calls finish. A panic is reported to finish as
// an error and then re-raised so outer recovery middleware still sees it.
func serve(next http.Handler, w http.ResponseWriter, r *http.Request, finish func(error)) {
	defer func() {
		if v := recover(); v != nil {
			finish(fmt.Errorf("handler panic: %v", v))
			panic(v)
		}
	}()
	next.ServeHTTP(w, r)
	finish(nil)
}

// writeCachedResponse writes a cached response to the response writer
func writeCachedResponse(w http.ResponseWriter, cached *CachedResponse) {
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	w.Header().Set(ReplayedHeaderName, "true")

	w.WriteHeader(cached.StatusCode)
	w.Write(cached.Body)
}

// responseRecorder captures HTTP response for caching while passing it through
type responseRecorder struct {
	http.ResponseWriter
	statusCode  int
	body        *bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// contentType returns the header the client saw, sniffing it the way
// net/http does when the handler did not set one.
func (r *responseRecorder) contentType() string {
	if ct := r.Header().Get("Content-Type"); ct != "" {
		return ct
	}
	if r.body.Len() == 0 {
		return ""
	}
	return http.DetectContentType(r.body.Bytes())
}
