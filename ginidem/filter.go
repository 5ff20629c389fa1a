// Package ginidem applies idempotency to individual gin routes, for services
// that opt specific actions in rather than wrapping the whole router.
package ginidem

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	idempotency "github.com/AnandSundar/idempotency-coordinator"
)

// Filter returns a gin handler that guards the routes it is attached to.
// opts override the coordinator's configuration for these routes only,
// typically idempotency.WithScope and idempotency.WithTTL. It panics if opts
// produce a policy idempotency.NewGuard rejects.
//
// Errors attached by downstream handlers with c.Error, and 5xx responses,
// mark the record Failed; the errors stay on the context for outer handlers.
func Filter(coord *idempotency.Coordinator, opts ...idempotency.Option) gin.HandlerFunc {
	guard := idempotency.MustGuard(coord, opts...)

	return func(c *gin.Context) {
		req := c.Request
		if !guard.Applies(req.Method, req.URL.Path) {
			c.Next()
			return
		}

		callerKey, err := guard.ExtractKey(req.Header)
		if err != nil {
			c.AbortWithStatusJSON(idempotency.StatusForError(err), gin.H{"error": err.Error()})
			return
		}
		if callerKey == "" {
			c.Next()
			return
		}

		fingerprint, err := guard.Fingerprint(req)
		if err != nil {
			c.AbortWithStatusJSON(idempotency.StatusForError(err), gin.H{"error": err.Error()})
			return
		}

		ctx := req.Context()
		adm, err := guard.Begin(ctx, callerKey, fingerprint, guard.RequestTTL(req), map[string]string{
			"method": req.Method,
			"route":  c.FullPath(),
		})
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(idempotency.StatusForError(err), gin.H{"error": "idempotency store unavailable"})
			return
		}

		if adm.Blocked() {
			if adm.Outcome == idempotency.OutcomeCompleted {
				replay(c, adm.Response)
				return
			}
			c.AbortWithStatusJSON(adm.StatusCode(), gin.H{"error": adm.Message})
			return
		}

		c.Header(idempotency.ReplayedHeaderName, "false")
		writer := &captureWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = writer

		errorsBefore := len(c.Errors)
		defer func() {
			if v := recover(); v != nil {
				guard.Finish(ctx, adm.Key, writer.Status(), writer.body.Bytes(), writer.contentType(), fmt.Errorf("handler panic: %v", v))
				panic(v)
			}
		}()

		c.Next()

		var handlerErr error
		if len(c.Errors) > errorsBefore {
			handlerErr = c.Errors.Last()
		}
		guard.Finish(ctx, adm.Key, writer.Status(), writer.body.Bytes(), writer.contentType(), handlerErr)
	}
}

func replay(c *gin.Context, cached *idempotency.CachedResponse) {
	if cached.ContentType != "" {
		c.Header("Content-Type", cached.ContentType)
	}
	c.Header(idempotency.ReplayedHeaderName, "true")
	c.Status(cached.StatusCode)
	c.Writer.Write(cached.Body)
	c.Abort()
}

// captureWriter tees the response body while passing it through to the client
type captureWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) contentType() string {
	if ct := w.Header().Get("Content-Type"); ct != "" {
		return ct
	}
	if w.body.Len() == 0 {
		return ""
	}
	return http.DetectContentType(w.body.Bytes())
}
