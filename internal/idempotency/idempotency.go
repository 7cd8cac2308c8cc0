// Package idempotency replays stored responses for repeated requests
// carrying the same Idempotency-Key header, so retried mutations are
// not re-executed.
package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var ErrNotFound = errors.New("idempotency: record not found")

// Header is the client-supplied key header.
const Header = "Idempotency-Key"

// Record captures one completed response keyed by the client token.
type Record struct {
	Key         string    `json:"key"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists idempotency records.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, record *Record) error
}

// bodyCapture tees the response body so it can be stored after the
// handler runs.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware replays the stored response for a repeated key and stores
// the response of first-time requests. Only mutating methods
// participate; a key reused for a different method+path is rejected
// rather than replayed.
func Middleware(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		if record, err := store.Get(ctx, key); err == nil {
			if record.Method != c.Request.Method || record.Path != c.Request.URL.Path {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"ok":      false,
					"error":   "idempotency_conflict",
					"message": "Idempotency-Key was used for a different request",
				})
				return
			}
			c.Header("Idempotency-Replayed", "true")
			c.Data(record.Status, record.ContentType, record.Body)
			c.Abort()
			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture
		c.Next()

		status := capture.Status()
		if status >= http.StatusInternalServerError {
			return // do not pin transient failures to the key
		}
		_ = store.Save(ctx, &Record{
			Key:         key,
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			Status:      status,
			ContentType: capture.Header().Get("Content-Type"),
			Body:        capture.buf.Bytes(),
			CreatedAt:   time.Now().UTC(),
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
